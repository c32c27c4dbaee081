// Command runlevel-demo wires a runlevel.Context to an in-memory Locator
// and drives it through a config-selected target level, demonstrating
// Submit, Wait, and Cancel.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	runlevel "github.com/joeycumines/go-runlevel"
)

// fileConfig is the shape loaded from a TOML config file, translated into
// runlevel.Config at startup - the core package itself never reads a
// file, per SPEC_FULL.md §1a.
type fileConfig struct {
	TargetLevel         int  `toml:"target_level"`
	MaxThreads          int  `toml:"max_threads"`
	UseThreads          bool `toml:"use_threads"`
	CancelTimeoutMillis int  `toml:"cancel_timeout_millis"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		TargetLevel:         3,
		MaxThreads:          4,
		UseThreads:          true,
		CancelTimeoutMillis: 2000,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String(`config`, ``, `path to a TOML config file (optional)`)
	flag.Parse()

	undoMaxProcs, err := maxprocs.Set()
	defer undoMaxProcs()
	if err != nil {
		return fmt.Errorf(`runlevel-demo: setting GOMAXPROCS: %w`, err)
	}

	cfg := defaultFileConfig()
	if *configPath != `` {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return fmt.Errorf(`runlevel-demo: loading config: %w`, err)
		}
	}

	logger := izerolog.L.New(izerolog.WithZerolog(zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})).With().Timestamp().Logger())).Logger()

	locator := newDemoLocator(logger)

	rlCfg := runlevel.Config{
		MaxThreads:          cfg.MaxThreads,
		UseThreads:          cfg.UseThreads,
		CancelTimeoutMillis: cfg.CancelTimeoutMillis,
	}

	var dispatcher runlevel.Dispatcher
	if rlCfg.UseThreads && rlCfg.MaxThreads > 0 {
		dispatcher = runlevel.NewBoundedDispatcher(rlCfg.MaxThreads)
	}

	ctx := runlevel.NewContext(locator, dispatcher, runlevel.NewSystemTimer(), rlCfg, runlevel.WithLogger(logger))
	ctx.RegisterListener(runlevel.ListenerProgress, &loggingProgressListener{log: logger})
	ctx.RegisterListener(runlevel.ListenerError, &loggingErrorListener{log: logger})

	job, err := ctx.Submit(runlevel.Level(cfg.TargetLevel))
	if err != nil {
		return fmt.Errorf(`runlevel-demo: submitting level %d: %w`, cfg.TargetLevel, err)
	}

	res, err := job.Wait(30 * time.Second)
	switch res {
	case runlevel.WaitDone:
		if err != nil {
			return fmt.Errorf(`runlevel-demo: job finished with error: %w`, err)
		}
		logger.Info().Int(`level`, int(ctx.Current())).Log(`runlevel-demo: reached target level`)
	case runlevel.WaitTimedOut:
		return fmt.Errorf(`runlevel-demo: timed out waiting for level %d`, cfg.TargetLevel)
	case runlevel.WaitRepurposed:
		return fmt.Errorf(`runlevel-demo: job was repurposed unexpectedly`)
	}

	return nil
}

type loggingProgressListener struct {
	log *logiface.Logger[logiface.Event]
}

func (l *loggingProgressListener) OnProgress(job *runlevel.Job, level runlevel.Level) {
	l.log.Info().Int(`level`, int(level)).Log(`runlevel-demo: level achieved`)
}

type loggingErrorListener struct {
	log *logiface.Logger[logiface.Event]
}

func (l *loggingErrorListener) OnError(job *runlevel.Job, info runlevel.ErrorInfo) runlevel.ListenerAction {
	l.log.Err().
		Err(info.Err).
		Int(`level`, int(info.Level)).
		Bool(`ascending`, info.Ascending).
		Log(`runlevel-demo: service failed`)
	return runlevel.ActionIgnore
}
