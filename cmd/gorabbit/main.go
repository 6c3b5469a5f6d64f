// Command gorabbit downloads the content referenced by a torrent file from
// its swarm, verifying every byte, and optionally seeds it back.
//
// Usage:
//
//	gorabbit [flags] <torrent-path>
//
// Exit codes: 0 success, 1 initialization failure, 2 abnormal termination,
// 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devksingh/gorabbit/internal/client"
	"github.com/devksingh/gorabbit/internal/config"
	"github.com/devksingh/gorabbit/internal/logging"
	"github.com/devksingh/gorabbit/internal/store"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

const (
	exitOK          = 0
	exitInitFailure = 1
	exitAbnormal    = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		downloadDir = flag.String("download-dir", config.DefaultDownloadDir(), "output directory")
		port        = flag.Int("port", 6881, "TCP port for incoming peers and announce")
		maxPeers    = flag.Int("max-peers", 50, "maximum concurrent peer sessions")
		seed        = flag.Bool("seed", false, "verify all pieces at init and seed; no download requests")
		verbose     = flag.Bool("v", false, "debug logging")
		quiet       = flag.Bool("quiet", false, "suppress progress rendering")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <torrent-path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitInitFailure
	}
	torrentPath := flag.Arg(0)

	logOpts := logging.DefaultOptions()
	logOpts.ShowSource = false
	if *verbose {
		logOpts.SlogOpts.Level = slog.LevelDebug
	} else {
		logOpts.SlogOpts.Level = slog.LevelWarn
	}
	log := slog.New(logging.NewPrettyHandler(os.Stderr, &logOpts))
	slog.SetDefault(log)

	torrentData, err := os.ReadFile(torrentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorabbit: cannot read torrent: %v\n", err)
		return exitInitFailure
	}

	cfg := config.Default()
	cfg.DownloadDir = *downloadDir
	cfg.Port = uint16(*port)
	cfg.MaxPeers = *maxPeers
	cfg.LowWater = *maxPeers / 2
	cfg.Seed = *seed

	var sink client.ProgressSink = client.NopSink{}
	var render *renderer
	if !*quiet {
		render = &renderer{}
		sink = render
	}

	rt, err := client.NewContext(sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorabbit: %v\n", err)
		return exitInitFailure
	}

	cl, err := client.New(rt, torrentData, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorabbit: %v\n", err)
		return exitInitFailure
	}

	if render != nil {
		render.init(cl)
		defer render.finish(cl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if render != nil {
		go render.loop(ctx, cl)
	}

	err = cl.Run(ctx)

	if ctx.Err() != nil {
		return exitInterrupted
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gorabbit: %v\n", err)
		if errors.Is(err, client.ErrSeedIncomplete) || errors.Is(err, store.ErrWriteFailed) {
			return exitInitFailure
		}
		return exitAbnormal
	}
	return exitOK
}

// renderer drives the terminal progress bar off the client's stats snapshot
// and the ProgressSink callbacks.
type renderer struct {
	bar *progressbar.ProgressBar
}

func (r *renderer) init(cl *client.Client) {
	stats := cl.Stats()

	r.bar = progressbar.NewOptions(stats.TotalPieces,
		progressbar.OptionSetDescription(stats.Name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
	_ = r.bar.Set(stats.VerifiedPieces)
}

func (r *renderer) PieceVerified(index, have, total int) {
	_ = r.bar.Set(have)
}

func (r *renderer) Completed() {
	_ = r.bar.Finish()
}

func (r *renderer) loop(ctx context.Context, cl *client.Client) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := cl.Stats()
			r.bar.Describe(fmt.Sprintf(
				"%s | %d peers | ↓ %s/s ↑ %s/s",
				stats.Name,
				stats.ActivePeers,
				humanBytes(stats.DownloadRate),
				humanBytes(stats.UploadRate),
			))
		}
	}
}

func (r *renderer) finish(cl *client.Client) {
	stats := cl.Stats()

	if stats.VerifiedPieces == stats.TotalPieces {
		color.Green("✓ %s: %d/%d pieces verified (%s)",
			stats.Name, stats.VerifiedPieces, stats.TotalPieces, humanBytes(uint64(stats.TotalBytes)))
	} else {
		color.Yellow("%s: %d/%d pieces verified",
			stats.Name, stats.VerifiedPieces, stats.TotalPieces)
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
