package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/driver"
	imapdrv "github.com/hkdb/mailbridge/internal/imap"
	"github.com/hkdb/mailbridge/internal/local"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/hkdb/mailbridge/internal/sync"
	"github.com/rs/zerolog"
)

// Totals aggregates per-run counters surfaced to the user
type Totals struct {
	Channels int
	Boxes    int
	Failed   int
}

// Orchestrator fans SyncBoxes out over the boxes of the selected channels
type Orchestrator struct {
	cfg  *config.Config
	pool *imapdrv.Pool
	opts sync.Options
	log  zerolog.Logger

	Totals Totals
}

// New creates an orchestrator for one process run
func New(cfg *config.Config, opts sync.Options) *Orchestrator {
	opts.BufferLimit = cfg.BufferLimit
	return &Orchestrator{
		cfg:  cfg,
		pool: imapdrv.NewPool(),
		opts: opts,
		log: logging.WithComponent("channel").With().
			Str("run", uuid.NewString()[:8]).Logger(),
	}
}

// Close logs out all pooled connections
func (o *Orchestrator) Close() {
	o.pool.Close()
}

// openStore instantiates the driver for a store configuration
func (o *Orchestrator) openStore(ctx context.Context, conf *config.Store) (driver.Store, error) {
	switch conf.Driver {
	case "imap":
		return imapdrv.OpenStore(ctx, conf, o.pool)
	case "local":
		return local.OpenStore(ctx, conf)
	}
	return nil, fmt.Errorf("unknown driver %q", conf.Driver)
}

// boxPair is one unit of sync work
type boxPair struct {
	names   [2]string
	present [2]int
}

// expandBoxes determines which box pairs a channel covers. With patterns,
// both stores are listed and filtered; otherwise the single configured
// pair is used.
func (o *Orchestrator) expandBoxes(ctx context.Context, ch *config.Channel,
	stores [2]driver.Store, only []string) ([]boxPair, error) {

	single := func(f, n string) []boxPair {
		return []boxPair{{names: [2]string{f, n}, present: [2]int{sync.BoxPossible, sync.BoxPossible}}}
	}
	if len(ch.Patterns) == 0 {
		f := ch.FarBox
		if f == "" {
			f = "INBOX"
		}
		n := ch.NearBox
		if n == "" {
			n = "INBOX"
		}
		pairs := single(f, n)
		return filterPairs(pairs, only), nil
	}

	// Patterns: boxes live under the per-side prefixes.
	var listed [2]map[string]bool
	var names []string
	seen := map[string]bool{}
	prefix := [2]string{ch.FarBox, ch.NearBox}
	for t := 0; t < 2; t++ {
		boxes, err := stores[t].ListBoxes(ctx, driver.ListInbox|driver.ListPath)
		if err != nil {
			return nil, fmt.Errorf("%s store: %w", config.SideName(t), err)
		}
		listed[t] = map[string]bool{}
		for _, raw := range boxes {
			name := raw
			if prefix[t] != "" {
				var ok bool
				if name, ok = strings.CutPrefix(raw, prefix[t]); !ok {
					continue
				}
			}
			listed[t][name] = true
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	var pairs []boxPair
	for _, name := range SelectBoxes(ch.Patterns, names) {
		p := boxPair{names: [2]string{prefix[config.F] + name, prefix[config.N] + name}}
		for t := 0; t < 2; t++ {
			if listed[t][name] {
				p.present[t] = sync.BoxPresent
			} else {
				p.present[t] = sync.BoxAbsent
			}
		}
		pairs = append(pairs, p)
	}
	return filterPairs(pairs, only), nil
}

// filterPairs applies a CLI channel:box1,box2 restriction (far- or near-side names)
func filterPairs(pairs []boxPair, only []string) []boxPair {
	if len(only) == 0 {
		return pairs
	}
	want := map[string]bool{}
	for _, b := range only {
		want[b] = true
	}
	var out []boxPair
	for _, p := range pairs {
		if want[p.names[config.N]] || want[p.names[config.F]] {
			out = append(out, p)
		}
	}
	return out
}

// SyncChannel runs one channel, returning its aggregated result mask
func (o *Orchestrator) SyncChannel(ctx context.Context, ch *config.Channel, only []string) sync.Result {
	o.Totals.Channels++
	o.log.Info().Str("channel", ch.Name).Msg("Channel started")

	var stores [2]driver.Store
	for t := 0; t < 2; t++ {
		st, err := o.openStore(ctx, ch.Stores[t])
		if err != nil {
			o.log.Error().Err(err).
				Str("channel", ch.Name).
				Str("store", ch.Stores[t].Name).
				Msg("Cannot connect store")
			if t == 1 && stores[config.F] != nil {
				stores[config.F].Free(ctx)
			}
			o.Totals.Failed++
			return sync.ResultBad(t)
		}
		stores[t] = st
	}

	var res sync.Result
	pairs, err := o.expandBoxes(ctx, ch, stores, only)
	if err != nil {
		o.log.Error().Err(err).Str("channel", ch.Name).Msg("Cannot enumerate mailboxes")
		res = sync.ResultFail
	}
	for _, p := range pairs {
		if ctx.Err() != nil {
			res |= sync.ResultFail
			break
		}
		o.Totals.Boxes++
		r := sync.SyncBoxes(ctx, stores, p.names, p.present, ch, o.cfg.SyncState, o.opts)
		if r != sync.ResultOK {
			o.Totals.Failed++
		}
		res |= r
		if r&(sync.ResultBad(config.F)|sync.ResultBad(config.N)|sync.ResultStepLimit) != 0 {
			break
		}
	}

	for t := 0; t < 2; t++ {
		if stores[t] == nil {
			continue
		}
		if res&sync.ResultBad(t) != 0 {
			stores[t].Cancel()
		} else {
			stores[t].Free(ctx)
		}
	}
	o.log.Info().
		Str("channel", ch.Name).
		Int("boxes", o.Totals.Boxes).
		Bool("ok", res == sync.ResultOK).
		Msg("Channel finished")
	return res
}

// Run synchronizes all selected channels and returns the combined mask
func (o *Orchestrator) Run(ctx context.Context, channels []*config.Channel, only map[string][]string) sync.Result {
	var res sync.Result
	for _, ch := range channels {
		res |= o.SyncChannel(ctx, ch, only[ch.Name])
		if res&sync.ResultStepLimit != 0 {
			break
		}
	}
	return res
}

// ListBoxes returns the box pairs a channel would synchronize
func (o *Orchestrator) ListBoxes(ctx context.Context, ch *config.Channel) ([]string, error) {
	var stores [2]driver.Store
	for t := 0; t < 2; t++ {
		st, err := o.openStore(ctx, ch.Stores[t])
		if err != nil {
			return nil, err
		}
		defer st.Free(ctx)
		stores[t] = st
	}
	pairs, err := o.expandBoxes(ctx, ch, stores, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range pairs {
		if p.names[config.F] == p.names[config.N] {
			out = append(out, p.names[config.F])
		} else {
			out = append(out, p.names[config.F]+" <-> "+p.names[config.N])
		}
	}
	return out, nil
}

// ListStoreBoxes lists the raw mailboxes of one store
func (o *Orchestrator) ListStoreBoxes(ctx context.Context, name string) ([]string, error) {
	for _, sc := range o.cfg.Stores {
		if sc.Name != name {
			continue
		}
		st, err := o.openStore(ctx, sc)
		if err != nil {
			return nil, err
		}
		defer st.Free(ctx)
		return st.ListBoxes(ctx, driver.ListInbox|driver.ListPath)
	}
	return nil, fmt.Errorf("no store named %q", name)
}
