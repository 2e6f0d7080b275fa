// mailbridge synchronizes IMAP mailboxes with a local message store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hkdb/mailbridge/internal/channel"
	"github.com/hkdb/mailbridge/internal/config"
	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/hkdb/mailbridge/internal/platform"
	"github.com/hkdb/mailbridge/internal/sync"
	"github.com/spf13/cobra"
)

// exitStepLimit is reserved for the journaled-step-limit test harness
const exitStepLimit = 100

type cliFlags struct {
	configPath string
	all        bool
	list       bool
	listStores bool
	dryRun     bool
	verbose    bool
	quiet      bool
	debug      string
	testFlags  string

	pull, push bool
	new_, old  bool
	delete_    bool
	flags      bool
	upgrade    bool

	pullNew, pullOld, pullDelete, pullFlags, pullUpgrade bool
	pushNew, pushOld, pushDelete, pushFlags, pushUpgrade bool

	create, createFar, createNear    bool
	remove, removeFar, removeNear    bool
	expunge, expungeFar, expungeNear bool
	noCreate, noRemove, noExpunge    bool
}

func main() {
	f := &cliFlags{}

	root := &cobra.Command{
		Use:           "mailbridge [flags] {-a | channel[:box,...] ...}",
		Short:         "Synchronize IMAP mailboxes with a local mail store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f, args)
		},
	}
	fs := root.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "config file location")
	fs.BoolVarP(&f.all, "all", "a", false, "operate on all configured channels")
	fs.BoolVarP(&f.list, "list", "l", false, "list mailbox pairs instead of syncing")
	fs.BoolVar(&f.listStores, "list-stores", false, "list raw store mailboxes instead of syncing")
	fs.BoolVarP(&f.dryRun, "dry-run", "n", false, "plan only, mutate nothing")
	fs.BoolVarP(&f.verbose, "verbose", "V", false, "verbose output")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "errors only")
	fs.StringVarP(&f.debug, "debug", "D", "", "debug components: [CdDmMnNs]")
	fs.Lookup("debug").NoOptDefVal = "all"
	fs.StringVarP(&f.testFlags, "test", "T", "", "developer test flags: [aAjJxz]")

	fs.BoolVarP(&f.pull, "pull", "L", false, "propagate far -> near only")
	fs.BoolVarP(&f.push, "push", "H", false, "propagate near -> far only")
	fs.BoolVar(&f.new_, "new", false, "propagate new messages")
	fs.BoolVar(&f.old, "old", false, "propagate previously not propagated messages")
	fs.BoolVar(&f.delete_, "delete", false, "propagate deletions")
	fs.BoolVar(&f.flags, "flags", false, "propagate flag changes")
	fs.BoolVar(&f.upgrade, "upgrade", false, "upgrade flagged placeholders")

	fs.BoolVar(&f.pullNew, "pull-new", false, "pull new messages")
	fs.BoolVar(&f.pullOld, "pull-old", false, "pull old messages")
	fs.BoolVar(&f.pullDelete, "pull-delete", false, "pull deletions")
	fs.BoolVar(&f.pullFlags, "pull-flags", false, "pull flag changes")
	fs.BoolVar(&f.pullUpgrade, "pull-upgrade", false, "pull placeholder upgrades")
	fs.BoolVar(&f.pushNew, "push-new", false, "push new messages")
	fs.BoolVar(&f.pushOld, "push-old", false, "push old messages")
	fs.BoolVar(&f.pushDelete, "push-delete", false, "push deletions")
	fs.BoolVar(&f.pushFlags, "push-flags", false, "push flag changes")
	fs.BoolVar(&f.pushUpgrade, "push-upgrade", false, "push placeholder upgrades")

	fs.BoolVarP(&f.create, "create", "C", false, "create missing mailboxes on both sides")
	fs.BoolVar(&f.createFar, "create-far", false, "create missing mailboxes on the far side")
	fs.BoolVar(&f.createNear, "create-near", false, "create missing mailboxes on the near side")
	fs.BoolVarP(&f.remove, "remove", "R", false, "propagate mailbox deletions to both sides")
	fs.BoolVar(&f.removeFar, "remove-far", false, "propagate mailbox deletions to the far side")
	fs.BoolVar(&f.removeNear, "remove-near", false, "propagate mailbox deletions to the near side")
	fs.BoolVarP(&f.expunge, "expunge", "X", false, "expunge deleted messages on both sides")
	fs.BoolVar(&f.expungeFar, "expunge-far", false, "expunge deleted messages on the far side")
	fs.BoolVar(&f.expungeNear, "expunge-near", false, "expunge deleted messages on the near side")
	fs.BoolVar(&f.noCreate, "no-create", false, "mask any configured create")
	fs.BoolVar(&f.noRemove, "no-remove", false, "mask any configured remove")
	fs.BoolVar(&f.noExpunge, "no-expunge", false, "mask any configured expunge")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(f *cliFlags, args []string) error {
	level := "info"
	switch {
	case f.debug != "":
		level = "debug"
	case f.verbose:
		level = "debug"
	case f.quiet:
		level = "error"
	}
	logging.Init(logging.Config{
		Level:           level,
		Console:         true,
		DebugComponents: debugComponents(f.debug),
	})

	paths, err := platform.GetPaths()
	if err != nil {
		return err
	}
	confPath := f.configPath
	if confPath == "" {
		confPath = paths.ConfigPath()
	}
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := sync.Options{
		DryRun: f.dryRun,
		FSync:  cfg.FSyncEnabled(),
		Debug:  f.debug != "",
	}
	for _, c := range f.testFlags {
		switch c {
		case 'j':
			opts.KeepJournal = true
		case 'J':
			opts.KeepJournal = true
			opts.ForceJournal = true
		case 'x':
			opts.FakeExpunge = true
		case 'a', 'A', 'z':
			// Async forcing and delay zeroing have no effect on the
			// synchronous Go drivers.
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			// Digits after 'j'/'J' set the journaled step limit.
			opts.StepLimit = opts.StepLimit*10 + int(c-'0')
		default:
			return fmt.Errorf("unknown test flag %q", c)
		}
	}

	orch := channel.New(cfg, opts)
	defer orch.Close()

	if f.listStores {
		for _, name := range args {
			boxes, err := orch.ListStoreBoxes(ctx, name)
			if err != nil {
				return err
			}
			fmt.Println(name + ":")
			for _, b := range boxes {
				fmt.Println("  " + b)
			}
		}
		return nil
	}

	selectors, only, err := parseSelectors(args)
	if err != nil {
		return err
	}
	channels, err := cfg.ChannelsFor(selectors, f.all)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channels selected (use --all or name one)")
	}
	applyOpOverrides(f, channels)

	if f.list {
		for _, ch := range channels {
			boxes, err := orch.ListBoxes(ctx, ch)
			if err != nil {
				return err
			}
			fmt.Println(ch.Name + ":")
			for _, b := range boxes {
				fmt.Println("  " + b)
			}
		}
		return nil
	}

	res := orch.Run(ctx, channels, only)
	if res&sync.ResultStepLimit != 0 {
		os.Exit(exitStepLimit)
	}
	if res != sync.ResultOK {
		os.Exit(int(res))
	}
	return nil
}

// parseSelectors splits "channel:box1,box2" selectors into channel names
// and per-channel box restrictions
func parseSelectors(args []string) ([]string, map[string][]string, error) {
	var selectors []string
	only := map[string][]string{}
	for _, arg := range args {
		name, boxes, found := strings.Cut(arg, ":")
		if name == "" {
			return nil, nil, fmt.Errorf("invalid selector %q", arg)
		}
		selectors = append(selectors, name)
		if found && boxes != "" {
			only[name] = append(only[name], strings.Split(boxes, ",")...)
		}
	}
	return selectors, only, nil
}

// debugComponents maps the -D letter soup to component names
func debugComponents(s string) []string {
	if s == "" || s == "all" {
		return nil
	}
	var comps []string
	for _, c := range s {
		switch c {
		case 'C':
			comps = append(comps, "config", "channel")
		case 'd', 'D':
			comps = append(comps, "driver", "local")
		case 'm', 'M':
			comps = append(comps, "imap", "imap-pool")
		case 'n', 'N':
			comps = append(comps, "platform")
		case 's':
			comps = append(comps, "sync", "state")
		}
	}
	return comps
}

// applyOpOverrides narrows the configured channel operations to what the
// command line selected and applies the lifecycle additions and masks.
func applyOpOverrides(f *cliFlags, channels []*config.Channel) {
	// N is the pull target, F the push target.
	var sel [2]config.Ops
	addType := func(op config.Ops, pull, push bool) {
		if pull {
			sel[config.N] |= op
		}
		if push {
			sel[config.F] |= op
		}
	}

	dirPull := f.pull || (!f.pull && !f.push)
	dirPush := f.push || (!f.pull && !f.push)
	anyType := f.new_ || f.old || f.delete_ || f.flags || f.upgrade
	if anyType {
		addType(opIf(f.new_, config.OpNew)|opIf(f.old, config.OpOld)|
			opIf(f.delete_, config.OpGone)|opIf(f.flags, config.OpFlags)|
			opIf(f.upgrade, config.OpUpgrade), dirPull, dirPush)
	} else if f.pull || f.push {
		addType(config.OpsDefault|config.OpOld|config.OpExpunge|config.OpExpungeSolo, dirPull, dirPush)
	}
	addType(opIf(f.pullNew, config.OpNew)|opIf(f.pullOld, config.OpOld)|
		opIf(f.pullDelete, config.OpGone)|opIf(f.pullFlags, config.OpFlags)|
		opIf(f.pullUpgrade, config.OpUpgrade), true, false)
	addType(opIf(f.pushNew, config.OpNew)|opIf(f.pushOld, config.OpOld)|
		opIf(f.pushDelete, config.OpGone)|opIf(f.pushFlags, config.OpFlags)|
		opIf(f.pushUpgrade, config.OpUpgrade), false, true)

	restrict := sel[config.F]|sel[config.N] != 0

	for _, ch := range channels {
		for t := 0; t < 2; t++ {
			if restrict {
				ch.Ops[t] &= sel[t] | config.OpCreate | config.OpRemove | config.OpExpunge | config.OpExpungeSolo
			}
			far := t == config.F
			if f.create || (far && f.createFar) || (!far && f.createNear) {
				ch.Ops[t] |= config.OpCreate
			}
			if f.remove || (far && f.removeFar) || (!far && f.removeNear) {
				ch.Ops[t] |= config.OpRemove
			}
			if f.expunge || (far && f.expungeFar) || (!far && f.expungeNear) {
				ch.Ops[t] |= config.OpExpunge
			}
			if f.noCreate {
				ch.Ops[t] &^= config.OpCreate
			}
			if f.noRemove {
				ch.Ops[t] &^= config.OpRemove
			}
			if f.noExpunge {
				ch.Ops[t] &^= config.OpExpunge | config.OpExpungeSolo
			}
		}
	}
}

func opIf(cond bool, op config.Ops) config.Ops {
	if cond {
		return op
	}
	return 0
}
