// Command cavectl is the offline admin tool for a cave pool: archive
// export and import, blob maintenance, reaping and duplicate reports. It
// opens the same database and blob directory as cave-server and should not
// run against a pool the server is writing to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"

	"github.com/tbourn/go-cave-backend/internal/app"
	"github.com/tbourn/go-cave-backend/internal/archive"
	"github.com/tbourn/go-cave-backend/internal/config"
	"github.com/tbourn/go-cave-backend/internal/sysutil"
)

func main() {
	_ = godotenv.Load()
	if err := run(os.Args); err != nil {
		log.Error().Err(err).Msg("cavectl")
		os.Exit(1)
	}
}

func run(args []string) error {
	a := cli.App{
		Name:  "cavectl",
		Usage: "maintenance commands for a cave submission pool",
	}
	a.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:  "pretty",
			Usage: "human readable log output",
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "SQLite path; overrides DB_PATH",
		},
		&cli.StringFlag{
			Name:  "blob-dir",
			Usage: "media directory; overrides BLOB_DIR",
		},
	}
	a.Before = func(cctx *cli.Context) error {
		sysutil.ConfigureLogger(cctx.String("log-level"), "cavectl", cctx.Bool("pretty"), nil)
		return nil
	}
	a.Commands = []*cli.Command{
		exportCmd,
		importCmd,
		fixExtensionsCmd,
		reapCmd,
		recoverCmd,
		duplicatesCmd,
	}
	return a.Run(args)
}

// openPool loads config from the environment, applies flag overrides and
// opens the pool.
func openPool(cctx *cli.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.DBPath = sysutil.FirstNonEmpty(cctx.String("db"), cfg.DBPath)
	cfg.BlobDir = sysutil.FirstNonEmpty(cctx.String("blob-dir"), cfg.BlobDir)
	return app.Open(cctx.Context, cfg)
}

func withPool(fn func(ctx context.Context, a *app.App, cctx *cli.Context) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		a, err := openPool(cctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cctx.Context, a, cctx)
	}
}

var exportCmd = &cli.Command{
	Name:  "export",
	Usage: "write active and pending submissions to an archive",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Usage:    "archive path; a .zst suffix compresses",
			Required: true,
		},
	},
	Action: withPool(func(ctx context.Context, a *app.App, cctx *cli.Context) error {
		entries, err := a.Submissions.Export(ctx)
		if err != nil {
			return err
		}
		if err := archive.WriteFile(cctx.String("out"), entries); err != nil {
			return err
		}
		log.Info().Int("entries", len(entries)).Str("out", cctx.String("out")).Msg("export complete")
		return nil
	}),
}

var importCmd = &cli.Command{
	Name:  "import",
	Usage: "submit archive entries through the dedup gate",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "in",
			Usage:    "archive path",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "media-dir",
			Usage: "directory holding media files the archive references by name",
		},
	},
	Action: withPool(func(ctx context.Context, a *app.App, cctx *cli.Context) error {
		entries, err := archive.ReadFile(cctx.String("in"))
		if err != nil {
			return err
		}
		rep, err := a.Submissions.Import(ctx, entries, cctx.String("media-dir"))
		if err != nil {
			return err
		}
		fmt.Printf("imported %d, duplicates %d, failed %d\n", rep.Imported, rep.Duplicates, rep.Failed)
		return nil
	}),
}

var fixExtensionsCmd = &cli.Command{
	Name:  "fix-extensions",
	Usage: "rename blobs whose extension does not match their content",
	Action: withPool(func(ctx context.Context, a *app.App, _ *cli.Context) error {
		n, err := a.Submissions.FixExtensions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("renamed %d blobs\n", n)
		return nil
	}),
}

var reapCmd = &cli.Command{
	Name:  "reap",
	Usage: "purge deleted submissions now",
	Action: withPool(func(ctx context.Context, a *app.App, _ *cli.Context) error {
		n, err := a.Reaper.Pass(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d submissions\n", n)
		return nil
	}),
}

var recoverCmd = &cli.Command{
	Name:  "recover",
	Usage: "discard submissions left provisional by a crash and purge them",
	Action: withPool(func(ctx context.Context, a *app.App, _ *cli.Context) error {
		moved, purged, err := a.Submissions.Recover(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("discarded %d, purged %d\n", moved, purged)
		return nil
	}),
}

var duplicatesCmd = &cli.Command{
	Name:  "duplicates",
	Usage: "print clusters of mutually similar submissions as JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "scope",
			Aliases: []string{"channel"},
			Usage:   "scope to report on; ignored when ids are not scoped",
		},
	},
	Action: withPool(func(ctx context.Context, a *app.App, cctx *cli.Context) error {
		clusters := a.Submissions.Duplicates(ctx, cctx.String("scope"))
		if clusters == nil {
			clusters = [][]int{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(clusters)
	}),
}
