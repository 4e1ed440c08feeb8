package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/obsidianstack/ciwatch/server/internal/config"
	"github.com/obsidianstack/ciwatch/server/internal/syncer"
)

// runSync performs one manual cycle and writes its report to out. It fails
// when the cycle could not run or any pipeline failed.
func runSync(ctx context.Context, out io.Writer, pipeline string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Log.SlogLevel())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.engine.Trigger(ctx, syncer.Request{Manual: true, Pipeline: pipeline})
	if rep != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if werr := enc.Encode(rep); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if failed := rep.Failed(); len(failed) > 0 {
		return fmt.Errorf("sync failed for %d pipeline(s): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}
