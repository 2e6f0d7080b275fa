package driver

import (
	"context"

	"github.com/hkdb/mailbridge/internal/logging"
	"github.com/rs/zerolog"
)

// proxy wraps a Store and logs every operation with its outcome. The engine
// inserts it when driver debugging is enabled, so the drivers themselves
// stay free of per-call logging.
type proxy struct {
	s     Store
	label string
	log   zerolog.Logger
}

// Trace returns a Store that logs all calls on s under the given label
func Trace(s Store, label string) Store {
	return &proxy{
		s:     s,
		label: label,
		log:   logging.WithComponent("driver").With().Str("store", label).Logger(),
	}
}

func (p *proxy) done(op string, err error) {
	if err != nil {
		p.log.Debug().Str("op", op).Err(err).Msg("Driver call failed")
	} else {
		p.log.Debug().Str("op", op).Msg("Driver call done")
	}
}

func (p *proxy) Caps() Caps { return p.s.Caps() }

func (p *proxy) SetCallbacks(onExpunge func(msg *Message), onBad func(err error)) {
	p.s.SetCallbacks(func(msg *Message) {
		p.log.Debug().Uint32("uid", msg.UID).Msg("Expunge upcall")
		onExpunge(msg)
	}, func(err error) {
		p.log.Debug().Err(err).Msg("Store-bad upcall")
		onBad(err)
	})
}

func (p *proxy) ListBoxes(ctx context.Context, flags ListFlags) ([]string, error) {
	boxes, err := p.s.ListBoxes(ctx, flags)
	p.done("list", err)
	return boxes, err
}

func (p *proxy) SelectBox(name string) error {
	err := p.s.SelectBox(name)
	p.log.Debug().Str("box", name).Err(err).Msg("Select box")
	return err
}

func (p *proxy) OpenBox(ctx context.Context) (uint32, error) {
	uv, err := p.s.OpenBox(ctx)
	if err == nil {
		p.log.Debug().Uint32("uidvalidity", uv).Msg("Opened box")
	}
	p.done("open", err)
	return uv, err
}

func (p *proxy) CreateBox(ctx context.Context) error {
	err := p.s.CreateBox(ctx)
	p.done("create", err)
	return err
}

func (p *proxy) DeleteBox(ctx context.Context) error {
	err := p.s.DeleteBox(ctx)
	p.done("delete", err)
	return err
}

func (p *proxy) FinishDeleteBox() { p.s.FinishDeleteBox() }

func (p *proxy) ConfirmBoxEmpty(ctx context.Context) error {
	err := p.s.ConfirmBoxEmpty(ctx)
	p.done("confirm-empty", err)
	return err
}

func (p *proxy) BoxPath() string       { return p.s.BoxPath() }
func (p *proxy) UIDNext() uint32       { return p.s.UIDNext() }
func (p *proxy) SupportedFlags() Flags { return p.s.SupportedFlags() }

func (p *proxy) PrepareLoadBox(opts OpenFlags) OpenFlags {
	got := p.s.PrepareLoadBox(opts)
	p.log.Debug().
		Uint16("requested", uint16(opts)).
		Uint16("granted", uint16(got)).
		Msg("Prepared load")
	return got
}

func (p *proxy) LoadBox(ctx context.Context, params LoadParams) (*LoadResult, error) {
	res, err := p.s.LoadBox(ctx, params)
	if err == nil {
		p.log.Debug().
			Uint32("minuid", params.MinUID).
			Uint32("maxuid", params.MaxUID).
			Int("excs", len(params.Excs)).
			Int("msgs", len(res.Msgs)).
			Int("recent", res.Recent).
			Msg("Loaded box")
	}
	p.done("load", err)
	return res, err
}

func (p *proxy) FetchMsg(ctx context.Context, msg *Message, minimal bool) (*MsgData, error) {
	data, err := p.s.FetchMsg(ctx, msg, minimal)
	if err == nil {
		p.log.Debug().Uint32("uid", msg.UID).Bool("minimal", minimal).Int("size", len(data.Data)).Msg("Fetched message")
	}
	p.done("fetch", err)
	return data, err
}

func (p *proxy) StoreMsg(ctx context.Context, data *MsgData, toTrash bool) (uint32, error) {
	uid, err := p.s.StoreMsg(ctx, data, toTrash)
	if err == nil {
		p.log.Debug().Uint32("uid", uid).Bool("trash", toTrash).Int("size", len(data.Data)).Msg("Stored message")
	}
	p.done("store", err)
	return uid, err
}

func (p *proxy) FindNewMsgs(ctx context.Context, newuid uint32) ([]*Message, error) {
	msgs, err := p.s.FindNewMsgs(ctx, newuid)
	p.done("find-new", err)
	return msgs, err
}

func (p *proxy) SetMsgFlags(ctx context.Context, msg *Message, uid uint32, add, del Flags) error {
	err := p.s.SetMsgFlags(ctx, msg, uid, add, del)
	if err == nil {
		p.log.Debug().Uint32("uid", uid).Stringer("add", add).Stringer("del", del).Msg("Set flags")
	}
	p.done("set-flags", err)
	return err
}

func (p *proxy) TrashMsg(ctx context.Context, msg *Message) error {
	err := p.s.TrashMsg(ctx, msg)
	p.done("trash", err)
	return err
}

func (p *proxy) CloseBox(ctx context.Context) (bool, error) {
	reported, err := p.s.CloseBox(ctx)
	p.done("close", err)
	return reported, err
}

func (p *proxy) Free(ctx context.Context) { p.s.Free(ctx) }
func (p *proxy) Cancel()                  { p.s.Cancel() }
func (p *proxy) FailState() FailState     { return p.s.FailState() }
func (p *proxy) MemoryUsage() int64       { return p.s.MemoryUsage() }
