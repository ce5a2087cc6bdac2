package manopt

import (
	"context"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/fentz26/leash/internal/config"
	"github.com/fentz26/leash/internal/fingerprint"
	"github.com/fentz26/leash/internal/learn"
	"github.com/fentz26/leash/internal/shells"
)

// reSafeCommand matches base commands safe to hand to man. A leading
// dash would be read as a flag.
var reSafeCommand = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)

// Runner launches at most one background lookup per base command and
// caches the result in the learning store.
type Runner struct {
	store   *learn.Store
	cfg     config.ManoptConfig
	log     *zap.Logger
	manPath string
	colPath string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// NewRunner returns a runner whose lookups live until Close. Tool paths
// come from the host detection; when a tool was not found the runner
// falls back to the bare name and lets exec report the miss.
func NewRunner(store *learn.Store, cfg config.ManoptConfig, det shells.Detection, logger *zap.Logger) *Runner {
	manPath, colPath := det.Man, det.Col
	if manPath == "" {
		manPath = "man"
	}
	if colPath == "" {
		colPath = "col"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    store,
		cfg:      cfg,
		log:      logger,
		manPath:  manPath,
		colPath:  colPath,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]chan struct{}),
	}
}

// MaybeLookup starts a background option lookup for the command's base
// unless lookups are disabled, the base is already cached, or one is
// already in flight. The returned channel closes when the lookup
// finishes; nil means nothing was started. The cache check and the
// in-flight claim happen under one lock, so two concurrent callers for
// the same base share a single lookup.
func (r *Runner) MaybeLookup(command string) <-chan struct{} {
	if !r.cfg.Enabled {
		return nil
	}
	base := fingerprint.BaseCommand(command)
	if !reSafeCommand.MatchString(base) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.inFlight[base]; ok {
		return ch
	}
	if _, cached, err := r.store.ManoptGet(base); err != nil || cached {
		return nil
	}

	ch := make(chan struct{})
	r.inFlight[base] = ch
	r.wg.Add(1)
	go r.lookup(base, ch)
	return ch
}

func (r *Runner) lookup(base string, done chan struct{}) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, base)
		r.mu.Unlock()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	table, err := Parse(ctx, r.manPath, r.colPath, base, tableWidth)
	if err != nil {
		// Missing man pages are the common case, not a problem.
		r.log.Debug("manopt lookup failed", zap.String("command", base), zap.Error(err))
		return
	}
	if table == "" {
		return
	}
	if err := r.store.ManoptPut(base, table); err != nil {
		r.log.Warn("manopt cache write failed", zap.String("command", base), zap.Error(err))
	}
}

// Close cancels in-flight lookups and waits for them to finish.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
