package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/workflowzen/wfzen/engine"
	"github.com/workflowzen/wfzen/forms"
	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/subsystem/invoice"
	"github.com/workflowzen/wfzen/subsystem/transfer"
	"github.com/workflowzen/wfzen/view"
	"github.com/workflowzen/wfzen/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/tmc/langchaingo/llms/openai"
)

type llmConfig struct {
	token   string
	model   string
	baseURL string
}

type app struct {
	logger   log.Logger
	svc      *records.Service
	views    *view.Set
	engine   *engine.Engine
	out      io.Writer
	in       io.Reader
	interval time.Duration
	idle     time.Duration
	llm      llmConfig
}

// serviceStats reads statistics straight from the storage service,
// bypassing the cached views.
type serviceStats struct {
	*records.Service
}

func (s serviceStats) Stats(ctx context.Context, kind storage.Kind) (*records.Stats, error) {
	return s.GetStats(ctx, kind)
}

type usageError struct{}

func (*usageError) Error() string { return "invalid arguments" }

var errUsage = &usageError{}

type command struct {
	name string
	args string
	help string
	run  func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"save", "<kind> <json|-> [id]", "create or replace a record", runSave},
	{"list", "<kind>", "list records newest first", runList},
	{"get", "<kind> <id>", "print a record", runGet},
	{"update", "<kind> <id> <json|->", "replace the payload of a record", runUpdate},
	{"delete", "<kind> <id>", "delete a record", runDelete},
	{"search", "<kind> [path=value...]", "list records matching every filter", runSearch},
	{"stats", "[kind]", "print record counts by status", runStats},
	{"export", "[file]", "write a backup of every store", runExport},
	{"import", "<file|->", "replace every store from a backup", runImport},
	{"clear", "[kind...]", "delete records of kinds (default all data)", runClear},
	{"progress", "", "print workflow progress", runProgress},
	{"pin", "<step>", "pin the current workflow step", runPin},
	{"history", "", "print the pinned step history", runHistory},
	{"remind", "", "log idle step reminders until interrupted", runRemind},
	{"validate-invoice", "<id|->", "check an invoice for missing details", runValidateInvoice},
	{"transfer", "<destination>", "transfer approved payment requests", runTransfer},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readArg returns arg, or all of stdin if arg is "-".
func (a *app) readArg(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(a.in)
	}
	return []byte(arg), nil
}

func (a *app) view(name string) (*view.View, error) {
	kind, err := storage.ParseKind(name)
	if err != nil {
		return nil, err
	}
	return a.views.View(kind), nil
}

func runSave(ctx context.Context, a *app, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	payload, err := a.readArg(args[1])
	if err != nil {
		return err
	}
	var id string
	if len(args) == 3 {
		id = args[2]
	}
	if id, err = v.Save(ctx, json.RawMessage(payload), id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	snap, err := v.Load(ctx)
	if err != nil {
		return err
	}
	return a.print(snap.Records)
}

func runGet(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	r, err := v.GetByID(ctx, args[1])
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%s %s: %w", args[0], args[1], storage.ErrNotFound)
	}
	return a.print(r)
}

func runUpdate(ctx context.Context, a *app, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	payload, err := a.readArg(args[2])
	if err != nil {
		return err
	}
	r, err := v.Update(ctx, args[1], json.RawMessage(payload))
	if err != nil {
		return err
	}
	return a.print(r)
}

func runDelete(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	return v.Remove(ctx, args[1])
}

// parseFilters turns path=value arguments into search filters.
// Values that parse as JSON (numbers, booleans, quoted strings) are used
// as such; anything else is a string.
func parseFilters(args []string) (map[string]any, error) {
	filters := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("filter %q: expected path=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		filters[key] = value
	}
	return filters, nil
}

func runSearch(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	v, err := a.view(args[0])
	if err != nil {
		return err
	}
	filters, err := parseFilters(args[1:])
	if err != nil {
		return err
	}
	found, err := v.Search(ctx, filters)
	if err != nil {
		return err
	}
	return a.print(found)
}

func runStats(ctx context.Context, a *app, args []string) error {
	switch len(args) {
	case 0:
		all := make(map[storage.Kind]*records.Stats, len(storage.Kinds))
		for _, kind := range storage.Kinds {
			stats, err := a.views.Stats(ctx, kind)
			if err != nil {
				return err
			}
			all[kind] = stats
		}
		return a.print(all)
	case 1:
		kind, err := storage.ParseKind(args[0])
		if err != nil {
			return err
		}
		stats, err := a.views.Stats(ctx, kind)
		if err != nil {
			return err
		}
		return a.print(stats)
	}
	return errUsage
}

func runExport(ctx context.Context, a *app, args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	b, err := a.svc.ExportAll(ctx)
	if err != nil {
		return err
	}
	if len(args) == 0 || args[0] == "-" {
		return a.print(b)
	}
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(args[0], out, 0o600)
}

func runImport(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(a.in)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}
	b, err := records.ParseBackup(data)
	if err != nil {
		return err
	}
	if err = a.svc.ImportAll(ctx, b); err != nil {
		return err
	}
	return a.views.RefreshAll(ctx)
}

func runClear(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return a.svc.ClearAll(ctx)
	}
	for _, arg := range args {
		v, err := a.view(arg)
		if err != nil {
			return err
		}
		if err = v.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

func runProgress(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	p, err := a.engine.Progress(ctx)
	if err != nil {
		return err
	}
	return a.print(p)
}

func runPin(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := workflow.ParseStepID(args[0])
	if err != nil {
		return err
	}
	state, err := a.engine.PinStep(ctx, id)
	if err != nil {
		return err
	}
	return a.print(state)
}

func runHistory(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	state, err := a.engine.State(ctx)
	if err != nil {
		return err
	}
	return a.print(state)
}

func runRemind(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	logger := a.logger.With("service", "reminder")
	// records may change under a long running process so counts are not
	// taken from the views
	eng := engine.New(
		serviceStats{a.svc},
		a.svc,
		engine.WithLogger(logger),
		engine.WithIdleThreshold(a.idle),
	)
	w := engine.NewWorker(
		eng,
		engine.NewLogNotifier(logger),
		engine.WithWorkerLogger(logger),
		engine.WithWorkerDuration(a.interval),
	)
	// check immediately rather than after the first tick; errors are logged
	// by the worker
	w.RunOnce(ctx)
	err := w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) invoiceValidator() *invoice.LLMValidator {
	logger := a.logger.With("service", "invoice")
	opts := []openai.Option{openai.WithModel(a.llm.model)}
	if a.llm.token != "" {
		opts = append(opts, openai.WithToken(a.llm.token))
	}
	if a.llm.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(a.llm.baseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		// a nil model degrades every validation to a failed result
		logger.Info(logkeys.Message, "creating language model", logkeys.Error, err)
		return invoice.NewLLMValidator(nil, invoice.WithLogger(logger))
	}
	return invoice.NewLLMValidator(model, invoice.WithLogger(logger))
}

func runValidateInvoice(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	var text string
	if args[0] == "-" {
		data, err := io.ReadAll(a.in)
		if err != nil {
			return err
		}
		text = string(data)
	} else {
		r, err := a.views.View(storage.KindInvoiceReceipt).GetByID(ctx, args[0])
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("invoice %s: %w", args[0], storage.ErrNotFound)
		}
		p, err := forms.Decode(r.Kind, r.Payload)
		if err != nil {
			return err
		}
		text = p.(*forms.InvoiceReceipt).Text
	}
	return a.print(a.invoiceValidator().Validate(ctx, text))
}

// approvedStatus is the status of payment requests ready to transfer.
const approvedStatus = "approved"

// approvedBatch collects approved payment requests into a transfer batch.
func (a *app) approvedBatch(ctx context.Context, destination string) (*transfer.Batch, error) {
	approved, err := a.views.View(storage.KindPaymentRequest).Search(ctx, map[string]any{
		records.StatusFilter: approvedStatus,
	})
	if err != nil {
		return nil, err
	}
	b := &transfer.Batch{RecordCount: len(approved), Destination: destination}
	for _, r := range approved {
		p, err := forms.Decode(r.Kind, r.Payload)
		if err != nil {
			return nil, fmt.Errorf("payment request %s: %w", r.ID, err)
		}
		pr := p.(*forms.PaymentRequest)
		b.TotalAmount += pr.Amount
		if pr.InvoiceNumber != "" {
			b.Documents = append(b.Documents, pr.InvoiceNumber)
		}
	}
	return b, nil
}

func runTransfer(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	b, err := a.approvedBatch(ctx, args[0])
	if err != nil {
		return err
	}
	logger := a.logger.With("service", "transfer")
	sim := transfer.NewSimulator(
		transfer.WithLogger(logger),
		transfer.WithProgress(func(s transfer.Stage) {
			logger.Info(logkeys.Message, "transfer stage", "stage", string(s))
		}),
	)
	res := sim.Transfer(ctx, b)
	if err = a.print(res); err != nil {
		return err
	}
	if res.Status != transfer.StatusCompleted {
		return errors.New("transfer failed")
	}
	return nil
}
