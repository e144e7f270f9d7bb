package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	_ "github.com/KimMachineGun/automemlimit"

	"github.com/bmeredith/lectern/internal"
)

type globals struct {
	DSN     string `env:"LECTERN_DSN" required:"" help:"Postgres connection string."`
	Verbose bool   `short:"v" help:"Enable debug logging."`

	GoogleAPIKey string `env:"LECTERN_GOOGLE_API_KEY" help:"GoogleBooks API key (optional)."`
	NYTAPIKey    string `env:"LECTERN_NYT_API_KEY" help:"NYT Books API key; enables bestseller ingestion."`

	S3Bucket    string `env:"LECTERN_S3_BUCKET" help:"Object store bucket; empty disables the payload cache."`
	S3Region    string `env:"LECTERN_S3_REGION" default:"us-east-1"`
	S3ServerURL string `env:"LECTERN_S3_SERVER_URL" help:"S3-compatible endpoint override."`
	S3AccessKey string `env:"LECTERN_S3_ACCESS_KEY"`
	S3SecretKey string `env:"LECTERN_S3_SECRET_KEY"`
	S3CDNURL    string `env:"LECTERN_S3_CDN_URL" help:"Public base URL for uploaded covers."`
}

type serveCmd struct {
	Port int `env:"LECTERN_PORT" default:"8788" help:"HTTP listen port."`
}

type warmCmd struct {
	Limit int `default:"200" help:"How many recently viewed books to re-resolve."`
}

type snapshotCmd struct{}

type cli struct {
	globals

	Serve    serveCmd    `cmd:"" default:"1" help:"Run the API server, scheduler, and event consumers."`
	Warm     warmCmd     `cmd:"" help:"Warm caches for recently viewed books, then exit."`
	Snapshot snapshotCmd `cmd:"" help:"Emit a sitemap snapshot, then exit."`
}

func main() {
	args := &cli{}
	k := kong.Parse(args,
		kong.Name("lectern"),
		kong.Description("Book metadata acquisition and hydration engine."),
		kong.UsageOnError(),
	)

	if args.Verbose {
		internal.SetLogLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := internal.NewApp(ctx, internal.AppOptions{
		DSN:          args.DSN,
		Addr:         fmt.Sprintf(":%d", args.Serve.Port),
		GoogleAPIKey: args.GoogleAPIKey,
		NYTAPIKey:    args.NYTAPIKey,
		S3: internal.S3Config{
			Bucket:    args.S3Bucket,
			Region:    args.S3Region,
			ServerURL: args.S3ServerURL,
			AccessKey: args.S3AccessKey,
			SecretKey: args.S3SecretKey,
			CDNURL:    args.S3CDNURL,
		},
	})
	k.FatalIfErrorf(err)

	switch k.Command() {
	case "serve":
		err = app.Serve(ctx)
	case "warm":
		err = app.Warm(ctx, args.Warm.Limit)
		app.Close()
	case "snapshot":
		err = app.Snapshot(ctx)
		app.Close()
	}
	k.FatalIfErrorf(err)
}
