// ocrd brings up one policy domain's Runtime, calls the registerJob seam
// (empty in the stock binary), and blocks until the process receives
// SIGINT or SIGTERM; it does not wait on any job completion event.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/config"
	"github.com/ocr-runtime/ocr/internal/nlog"
	"github.com/ocr-runtime/ocr/runtime"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a §6 config descriptor (key=value per line); empty uses defaults")
		loc        = flag.Uint("loc", 0, "this process's policy-domain location index")
		teardownT  = flag.Duration("teardown-timeout", 5*time.Second, "grace period for runlevel tear-down on shutdown")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		nlog.Errorf("ocrd: config: %v", err)
		os.Exit(1)
	}

	rt := runtime.New(runtime.Options{Loc: cmn.Loc(*loc), Config: cfg, PDCount: len(cfg.Neighbors) + 1})
	nlog.Infof("ocrd: runID=%s loc=%d starting bring-up", rt.RunID, rt.Loc())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.BringUp(ctx); err != nil {
		nlog.Errorf("ocrd: bring-up failed: %v", err)
		os.Exit(1)
	}
	nlog.Infof("ocrd: runID=%s loc=%d runlevel USER_OK", rt.RunID, rt.Loc())

	registerJob(rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	nlog.Infof("ocrd: runID=%s received shutdown signal", rt.RunID)

	rt.Shutdown()

	tctx, tcancel := context.WithTimeout(context.Background(), *teardownT)
	defer tcancel()
	if err := rt.TearDown(tctx); err != nil {
		nlog.Errorf("ocrd: tear-down: %v", err)
		os.Exit(1)
	}
	nlog.Infof("ocrd: runID=%s clean shutdown", rt.RunID)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.ParseString("")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, cmn.WrapResource(err, "ocrd: open config %q", path)
	}
	defer f.Close()
	return config.Parse(f)
}

// registerJob is the seam a deployment-specific build replaces: the stock
// binary ships no templates of its own, so a freshly started ocrd simply
// idles at USER_OK until another PD forwards it work or it is replaced by a
// build that calls rt.EdtTemplateCreate/rt.EdtCreate here for a concrete job.
func registerJob(rt *runtime.Runtime) {}
