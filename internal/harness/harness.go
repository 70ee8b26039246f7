package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/eventvault/internal/backend"
	"github.com/roach88/eventvault/internal/catalog"
	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/identity"
	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/server"
	"github.com/roach88/eventvault/internal/syncclient"
	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/tenant"
	"github.com/roach88/eventvault/internal/testutil"
	"github.com/roach88/eventvault/internal/wire"
)

const (
	harnessToken     = "harness-token"
	harnessUser      = "harness"
	harnessNamespace = "harness"

	// stepTimeout bounds one append or sync.
	stepTimeout = 10 * time.Second
)

var harnessSalts = crypt.Salts{
	DEK:    []byte("harness/dek"),
	Wrap:   []byte("harness/wrap"),
	Master: []byte("harness/master"),
}

// Harness runs scenarios against a real sync server and real device
// journals, all in one process.
type Harness struct {
	scenario *Scenario
	dir      string
	logger   *slog.Logger

	store   *backend.Store
	host    *tenant.Host
	ts      *httptest.Server
	devices map[string]*simDevice
}

type simDevice struct {
	journal *journal.Journal
	catalog *catalog.Catalog
	client  *syncclient.Client
}

// staticKeys serves a derived identity to the sync client.
type staticKeys struct{ id identity.Identity }

func (k staticKeys) PublicKey() ([]byte, error)  { return k.id.PublicKey[:], nil }
func (k staticKeys) PrivateKey() ([]byte, error) { return k.id.PrivateKey[:], nil }

// Run executes a scenario and evaluates its assertions. The returned error
// reports a harness failure; failed expectations land in Result.Errors.
func Run(s *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "eventvault-harness-*")
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		scenario: s,
		dir:      dir,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		devices:  make(map[string]*simDevice, len(s.Devices)),
	}
	defer h.close()

	if err := h.setup(); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range s.Flow {
		if err := h.execute(i, step, result); err != nil {
			return nil, err
		}
	}
	for i, a := range s.Assertions {
		if err := h.evaluate(a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return result, nil
}

func (h *Harness) setup() error {
	store, err := backend.Open(filepath.Join(h.dir, "backend.db"))
	if err != nil {
		return fmt.Errorf("harness: open backend: %w", err)
	}
	h.store = store
	h.host = tenant.NewHost(store,
		tenant.WithHostLogger(h.logger),
		tenant.WithActorOptions(tenant.WithLimits(h.scenario.Limits)))
	tokens := map[string]string{harnessToken: harnessUser}
	for _, d := range h.scenario.Devices {
		tokens[d.token()] = d.user()
	}
	srv := server.New(h.host, nil,
		server.Config{Tokens: tokens},
		server.WithLogger(h.logger))
	h.ts = httptest.NewServer(srv.Handler())

	decls, err := catalog.LoadDefinitions(h.scenario.Name+".cue", []byte(h.scenario.Definitions))
	if err != nil {
		return fmt.Errorf("harness: definitions: %w", err)
	}

	for i, d := range h.scenario.Devices {
		dev, err := h.startDevice(i, d, decls)
		if err != nil {
			return fmt.Errorf("harness: device %s: %w", d.Name, err)
		}
		h.devices[d.Name] = dev
	}
	return nil
}

func (h *Harness) startDevice(index int, d Device, decls []catalog.Declaration) (*simDevice, error) {
	id, err := identity.Derive(phrase(d.Identity), []byte(identity.DefaultSeedKey))
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, name := range d.ShareWith {
		other, err := identity.Derive(phrase(name), []byte(identity.DefaultSeedKey))
		if err != nil {
			return nil, fmt.Errorf("share_with %s: %w", name, err)
		}
		recipients = append(recipients, other.PublicKeyHex())
	}

	clock := testutil.NewManualClock()
	j, err := journal.Open(filepath.Join(h.dir, d.Name+".db"),
		journal.WithIDGenerator(testutil.NewSequentialIDs(byte(index+1))),
		journal.WithClock(clock.Now),
		journal.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}

	cat, err := catalog.New(nil, catalog.WithLogger(h.logger))
	if err != nil {
		j.Close()
		return nil, err
	}
	if err := cat.Bind(decls); err != nil {
		j.Close()
		return nil, err
	}

	c, err := syncclient.New(syncclient.Config{
		URL:       h.ts.URL + "/sync",
		Namespace: harnessNamespace,
		Device:    d.Name,
		Token:     d.token(),
		Salts:     harnessSalts,
	}, j, cat, staticKeys{id},
		syncclient.WithRecipients(func() []string { return recipients }),
		syncclient.WithLogger(h.logger))
	if err != nil {
		j.Close()
		return nil, err
	}
	return &simDevice{journal: j, catalog: cat, client: c}, nil
}

func (h *Harness) close() {
	for _, d := range h.devices {
		d.client.Close()
		d.journal.Close()
	}
	if h.ts != nil {
		h.ts.Close()
	}
	if h.host != nil {
		h.host.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
}

func (h *Harness) execute(index int, step FlowStep, result *Result) error {
	dev := h.devices[step.Device]
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	var (
		action string
		res    map[string]any
		err    error
	)
	if step.Append != nil {
		action = step.Device + ".append"
		result.AddInvocationTrace(action, map[string]any{
			"tag":     step.Append.Tag,
			"payload": step.Append.Payload,
		})
		res, err = appendEvent(ctx, dev, step.Append)
	} else {
		action = step.Device + ".sync"
		result.AddInvocationTrace(action, nil)
		res, err = syncDevice(ctx, dev)
	}

	outputCase := CaseOK
	if err != nil {
		code, ok := closeCode(err)
		if !ok {
			return fmt.Errorf("flow[%d] %s: %w", index, action, err)
		}
		outputCase = CaseError
		res = map[string]any{"code": int64(code)}
	}
	result.AddCompletionTrace(action, outputCase, res)

	want := step.Expect
	if want == nil {
		want = &ExpectClause{Case: CaseOK}
	}
	if want.Case != outputCase {
		result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q (%v)", index, action, want.Case, outputCase, err))
		return nil
	}
	if mismatch := subsetMismatch(want.Result, res); mismatch != "" {
		result.AddError(fmt.Sprintf("flow[%d] %s: result %s", index, action, mismatch))
	}
	return nil
}

// appendEvent writes one event and applies it to the device's own state.
func appendEvent(ctx context.Context, d *simDevice, a *AppendStep) (map[string]any, error) {
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, err
	}
	payload, pk, err := d.catalog.Encode(a.Tag, raw)
	if err != nil {
		return nil, err
	}
	rec, err := d.journal.Append(ctx, a.Tag, pk, payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.catalog.Apply(ctx, d.journal, []journal.Entry{rec.Entry}); err != nil {
		return nil, err
	}
	return map[string]any{"key": pk, "seq": rec.Seq}, nil
}

// syncDevice runs one sync cycle and reports what moved.
func syncDevice(ctx context.Context, d *simDevice) (map[string]any, error) {
	vault := d.client.Vault()
	pendingBefore, err := d.journal.CountPending(ctx, vault)
	if err != nil {
		return nil, err
	}
	before, err := d.journal.StorageStats(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.client.SyncOnce(ctx); err != nil {
		return nil, err
	}

	pendingAfter, err := d.journal.CountPending(ctx, vault)
	if err != nil {
		return nil, err
	}
	after, err := d.journal.StorageStats(ctx)
	if err != nil {
		return nil, err
	}
	st, err := d.journal.SyncState(ctx, vault)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pushed":   pendingBefore - pendingAfter,
		"imported": after.LastSeq - before.LastSeq,
		"cursor":   st.Cursor,
	}, nil
}

// closeCode extracts the close code of a refused or closed connection.
func closeCode(err error) (syncerr.CloseCode, bool) {
	var ce *wire.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	var se *syncerr.Error
	if errors.As(err, &se) && se.Close != 0 {
		return se.Close, true
	}
	return 0, false
}
