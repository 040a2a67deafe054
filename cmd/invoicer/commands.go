package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/invoice-pricing/internal/domain/catalog"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/extraction"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/processing"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/report"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/template"
	"github.com/FACorreiaa/invoice-pricing/internal/domain/trends"
	"github.com/FACorreiaa/invoice-pricing/pkg/cron"
	"github.com/FACorreiaa/invoice-pricing/pkg/storage"
)

type command func(ctx context.Context, a *app, args []string) (int, error)

var commands = map[string]command{
	"train":          trainCmd,
	"templates":      templatesCmd,
	"process":        processCmd,
	"analyze":        analyzeCmd,
	"analyses":       analysesCmd,
	"export":         exportCmd,
	"history":        historyCmd,
	"merge":          mergeCmd,
	"describe":       describeCmd,
	"delete-invoice": deleteInvoiceCmd,
	"archive":        archiveCmd,
	"schedule":       scheduleCmd,
}

// parse parses flags; -h yields errHelp so the command exits cleanly.
func (a *app) parse(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(a.stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return usageErrorf("%s: %v", fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return usageErrorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return nil
}

var errHelp = errors.New("help requested")

func parseOrHelp(a *app, fs *flag.FlagSet, args []string) (done bool, err error) {
	err = a.parse(fs, args)
	if errors.Is(err, errHelp) {
		return true, nil
	}
	return false, err
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return usageErrorf("-%s is required", name)
	}
	return nil
}

func parseID(name, value string) (uuid.UUID, error) {
	if err := required(name, value); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, usageErrorf("-%s: %v", name, err)
	}
	return id, nil
}

func parseDay(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, usageErrorf("-%s: want YYYY-MM-DD: %v", name, err)
	}
	return t, nil
}

// parseThreshold reads a percent threshold; empty means unset.
func parseThreshold(name, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(value), "%"))
	if err != nil {
		return decimal.Zero, usageErrorf("-%s: %q is not a number", name, value)
	}
	if d.IsNegative() {
		return decimal.Zero, usageErrorf("-%s: must not be negative", name)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Templates
// ============================================================================

func trainCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	vendor := fs.String("vendor", "", "vendor name (overrides the selections file)")
	sample := fs.String("sample", "", "sample invoice (.txt layout text or .json spans)")
	selectionsPath := fs.String("selections", "", "YAML file with the operator's selections")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	if err := required("sample", *sample); err != nil {
		return exitUsage, err
	}
	if err := required("selections", *selectionsPath); err != nil {
		return exitUsage, err
	}

	f, err := os.Open(*selectionsPath)
	if err != nil {
		return exitUsage, usageErrorf("failed to open selections: %v", err)
	}
	sel, err := template.LoadSelections(f)
	f.Close()
	if err != nil {
		return exitUsage, err
	}
	if *vendor != "" {
		sel.Vendor = *vendor
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	tmpl, preview, err := deps.Processing.Train(ctx, *sample, sel)
	if err != nil {
		return exitFailures, err
	}

	fmt.Fprintf(a.stdout, "trained %s: %d summary rules, %d line item rules\n",
		tmpl.Vendor, len(tmpl.Summary), len(tmpl.LineItems))
	if preview == nil {
		fmt.Fprintln(a.stdout, "preview: nothing extracted from the sample")
		return exitOK, nil
	}
	for _, inv := range preview.Invoices {
		for field, value := range inv.Invoice.Fields {
			fmt.Fprintf(a.stdout, "  %-16s %s\n", field, value)
		}
		for _, missing := range inv.Missing {
			fmt.Fprintf(a.stdout, "  %-16s (not found)\n", missing)
		}
		fmt.Fprintf(a.stdout, "  %d line items, %d unmatched rows\n", len(inv.Items), len(inv.Unmatched))
	}
	return exitOK, nil
}

func templatesCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("templates", flag.ContinueOnError)
	del := fs.String("delete", "", "delete the named vendor's template")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	if *del != "" {
		if err := deps.Templates.DeleteTemplate(ctx, *del); err != nil {
			return exitFailures, err
		}
		fmt.Fprintf(a.stdout, "deleted template for %s\n", *del)
		return exitOK, nil
	}

	list, err := deps.Templates.ListTemplates(ctx)
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VENDOR\tIDENTIFIERS\tTRAINED")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Vendor, strings.Join(t.Identifiers, "; "), t.TrainedAt.Format(time.DateOnly))
	}
	return exitOK, tw.Flush()
}

// ============================================================================
// Processing
// ============================================================================

func processCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	source := fs.String("source", "", "invoice file or folder")
	modeFlag := fs.String("mode", string(extraction.ModeFull), "summary, items or full")
	dryRun := fs.Bool("dry-run", false, "extract and resolve in memory without storing anything")
	asJSON := fs.Bool("json", false, "print outcomes as JSON")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	if err := required("source", *source); err != nil {
		return exitUsage, err
	}
	mode, err := extraction.ParseMode(*modeFlag)
	if err != nil {
		return exitUsage, usageErrorf("-mode: %v", err)
	}

	deps, err := a.dependencies(ctx, *dryRun)
	if err != nil {
		return exitFatal, err
	}

	batch, err := deps.Processing.Process(ctx, *source, mode)
	if batch != nil {
		if *asJSON {
			if jerr := a.printJSON(batch); jerr != nil {
				return exitFatal, jerr
			}
		} else {
			a.printBatch(batch)
		}
	}
	if err != nil {
		if errors.Is(err, processing.ErrStorage) {
			return exitFatal, err
		}
		return exitUsage, usageErrorf("%v", err)
	}

	if deps.DryRun {
		counts := deps.Memory.Counts()
		fmt.Fprintf(a.stdout, "dry run: would store %d invoices, %d line items, %d parts, %d observations\n",
			counts["invoices"], counts["line_items"], counts["parts"], counts["observations"])
	}
	return batch.ExitCode(), nil
}

func (a *app) printBatch(batch *processing.BatchResult) {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tVENDOR\tSTATUS\tITEMS\tPRICES\tNOTES")
	for _, o := range batch.Outcomes {
		var notes []string
		if o.Error != "" {
			notes = append(notes, o.Error)
		}
		if len(o.Missing) > 0 {
			notes = append(notes, "missing "+strings.Join(o.Missing, ", "))
		}
		if len(o.Unmatched) > 0 {
			notes = append(notes, fmt.Sprintf("%d unmatched rows", len(o.Unmatched)))
		}
		if o.Ambiguous > 0 {
			notes = append(notes, fmt.Sprintf("%d ambiguous parts", o.Ambiguous))
		}
		if o.Undated > 0 {
			notes = append(notes, "undated")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			o.Source, o.Vendor, o.Status, o.LineItems, o.Observations, strings.Join(notes, "; "))
	}
	tw.Flush()

	items, observations := batch.Totals()
	counts := batch.Counts()
	fmt.Fprintf(a.stdout, "%d documents (%d ok, %d partial, %d without template, %d failed), %d line items, %d prices recorded in %s\n",
		len(batch.Outcomes),
		counts[processing.StatusOK],
		counts[processing.StatusPartial],
		counts[processing.StatusTemplateNotFound],
		counts[processing.StatusExtractionFailed],
		items, observations,
		batch.Finished.Sub(batch.Started).Round(time.Millisecond),
	)
}

// ============================================================================
// Analysis
// ============================================================================

func analyzeCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	kindFlag := fs.String("kind", string(trends.KindRecent), "recent, vendors or trends")
	vendors := fs.String("vendors", "", "comma-separated vendors to compare")
	parts := fs.String("parts", "", "comma-separated part ids")
	days := fs.Int("days", 0, "look-back window in days (default: the kind's preset)")
	threshold := fs.String("threshold", "", "percent change that flags a change (default: SIGNIFICANCE_THRESHOLD, then the kind's preset)")
	digestOnly := fs.Bool("digest-only", false, "print the digest without calling the backend")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	kind, err := trends.ParseKind(*kindFlag)
	if err != nil {
		return exitUsage, usageErrorf("-kind: %v", err)
	}
	req := trends.Request{Kind: kind, Days: *days, Vendors: splitList(*vendors)}
	if req.Threshold, err = parseThreshold("threshold", *threshold); err != nil {
		return exitUsage, err
	}
	for _, s := range splitList(*parts) {
		id, err := parseID("parts", s)
		if err != nil {
			return exitUsage, err
		}
		req.PartIDs = append(req.PartIDs, id)
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}

	if *digestOnly {
		digest, err := deps.Trends.Digest(ctx, req)
		if err != nil {
			return exitFailures, err
		}
		return exitOK, a.printJSON(digest)
	}

	analysis, err := deps.Trends.Analyze(ctx, req)
	if analysis == nil {
		return exitFailures, err
	}
	if err != nil {
		fmt.Fprintf(a.stdout, "analysis %s stored without a response: %v\n", analysis.ID, err)
		return exitOK, nil
	}

	fmt.Fprintf(a.stdout, "analysis %s (%s)\n\n%s\n", analysis.ID, analysis.Kind, strings.TrimSpace(analysis.Response))
	if len(analysis.FlaggedItems) > 0 {
		fmt.Fprintln(a.stdout, "\nflagged:")
		for _, item := range analysis.FlaggedItems {
			fmt.Fprintf(a.stdout, "  - %s\n", item)
		}
	}
	return exitOK, nil
}

func analysesCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("analyses", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of analyses to list")
	id := fs.String("id", "", "print one analysis in full")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}

	if *id != "" {
		analysisID, err := parseID("id", *id)
		if err != nil {
			return exitUsage, err
		}
		analysis, err := deps.AnalysisRepo.GetAnalysis(ctx, analysisID)
		if err != nil {
			return exitFailures, err
		}
		return exitOK, a.printJSON(analysis)
	}

	list, err := deps.Trends.History(ctx, *limit)
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCHANGES\tFLAGGED\tCREATED")
	for _, an := range list {
		changes := 0
		if an.Digest != nil {
			changes = len(an.Digest.Changes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			an.ID, an.Kind, an.Status, changes, len(an.FlaggedItems), an.CreatedAt.Format(time.DateTime))
	}
	return exitOK, tw.Flush()
}

// ============================================================================
// Reports
// ============================================================================

func exportCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "XLSX file to write")
	from := fs.String("from", "", "first invoice date, YYYY-MM-DD")
	to := fs.String("to", "", "last invoice date, YYYY-MM-DD")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	if err := required("out", *out); err != nil {
		return exitUsage, err
	}
	fromDay, err := parseDay("from", *from)
	if err != nil {
		return exitUsage, err
	}
	toDay, err := parseDay("to", *to)
	if err != nil {
		return exitUsage, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	groups, err := deps.PricingRepo.InvoicesByDate(ctx, fromDay, toDay)
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}
	if err := deps.Workbook.WriteFile(*out, groups); err != nil {
		return exitFailures, err
	}

	invoices := 0
	for _, g := range groups {
		invoices += len(g.Invoices)
	}
	fmt.Fprintf(a.stdout, "wrote %d invoices on %d sheets to %s\n", invoices, len(groups), *out)
	return exitOK, nil
}

func historyCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	part := fs.String("part", "", "part id")
	vendor := fs.String("vendor", "", "only this vendor")
	csvPath := fs.String("csv", "", "write the history as CSV to this file")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	partID, err := parseID("part", *part)
	if err != nil {
		return exitUsage, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	p, err := deps.CatalogRepo.GetPart(ctx, partID)
	if err != nil {
		return exitFailures, err
	}

	var vendorFilter *string
	if *vendor != "" {
		vendorFilter = vendor
	}
	history, err := deps.PricingRepo.PriceHistory(ctx, partID, vendorFilter)
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}

	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			return exitFailures, err
		}
		defer f.Close()
		if err := report.WritePriceHistoryCSV(f, p.DisplayDescription(), history); err != nil {
			return exitFailures, err
		}
		fmt.Fprintf(a.stdout, "wrote %d prices to %s\n", len(history), *csvPath)
		return exitOK, nil
	}

	fmt.Fprintf(a.stdout, "%s  %s\n", p.ID, p.DisplayDescription())
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tVENDOR\tUNIT PRICE")
	for _, o := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.InvoiceDate.Format(time.DateOnly), o.Vendor, o.UnitPrice)
	}
	return exitOK, tw.Flush()
}

// ============================================================================
// Catalog maintenance
// ============================================================================

func mergeCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	source := fs.String("source", "", "part id to merge away")
	target := fs.String("target", "", "part id to keep")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	sourceID, err := parseID("source", *source)
	if err != nil {
		return exitUsage, err
	}
	targetID, err := parseID("target", *target)
	if err != nil {
		return exitUsage, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	part, err := deps.Resolver.Merge(ctx, sourceID, targetID)
	if err != nil {
		return exitFailures, err
	}
	fmt.Fprintf(a.stdout, "merged %s into %s (%s)\n", sourceID, part.ID, part.DisplayDescription())
	return exitOK, nil
}

func describeCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	part := fs.String("part", "", "part id")
	text := fs.String("text", "", "custom description")
	operator := fs.String("operator", os.Getenv("USER"), "who is setting the description")
	importPath := fs.String("import", "", "CSV file with part_id,description,operator rows")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}

	if *importPath != "" {
		f, err := os.Open(*importPath)
		if err != nil {
			return exitUsage, usageErrorf("failed to open %s: %v", *importPath, err)
		}
		defer f.Close()

		deps, err := a.dependencies(ctx, false)
		if err != nil {
			return exitFatal, err
		}
		result, err := deps.Resolver.ImportDescriptions(ctx, f)
		if err != nil {
			return exitFailures, err
		}
		fmt.Fprintf(a.stdout, "applied %d descriptions, %d conflicts, %d failed\n",
			result.Applied, result.Conflicts, len(result.Failed))
		for _, msg := range result.Failed {
			fmt.Fprintf(a.stdout, "  %s\n", msg)
		}
		if len(result.Failed) > 0 {
			return exitFailures, nil
		}
		return exitOK, nil
	}

	partID, err := parseID("part", *part)
	if err != nil {
		return exitUsage, err
	}
	if err := required("text", *text); err != nil {
		return exitUsage, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	p, err := deps.Resolver.SetCustomDescription(ctx, partID, *text, *operator)
	if errors.Is(err, catalog.ErrDescriptionConflict) {
		fmt.Fprintf(a.stdout, "part %s already described as %q by %s; conflict recorded\n",
			p.ID, p.CustomDescription, p.DescriptionSetBy)
		return exitFailures, nil
	}
	if err != nil {
		return exitFailures, err
	}
	fmt.Fprintf(a.stdout, "part %s is now %q\n", p.ID, p.DisplayDescription())
	return exitOK, nil
}

func deleteInvoiceCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("delete-invoice", flag.ContinueOnError)
	id := fs.String("id", "", "invoice id")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	invoiceID, err := parseID("id", *id)
	if err != nil {
		return exitUsage, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}
	if err := deps.PricingRepo.DeleteInvoice(ctx, invoiceID); err != nil {
		return exitFailures, err
	}
	fmt.Fprintf(a.stdout, "deleted invoice %s\n", invoiceID)
	return exitOK, nil
}

func archiveCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	id := fs.String("id", "", "archived document id")
	invoice := fs.String("invoice", "", "invoice id whose source document to select")
	out := fs.String("out", "", `copy the document to this file ("-" for stdout)`)
	remove := fs.Bool("delete", false, "remove the document from the archive")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}
	if a.cfg.Storage.ArchivePath == "" {
		return exitUsage, usageErrorf("STORAGE_PATH is not set; nothing is archived")
	}
	if *id != "" && *invoice != "" {
		return exitUsage, usageErrorf("-id and -invoice are mutually exclusive")
	}

	archive, err := storage.New(&storage.Config{Type: storage.StorageTypeLocal, LocalPath: a.cfg.Storage.ArchivePath})
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}

	var fileID uuid.UUID
	switch {
	case *id != "":
		if fileID, err = parseID("id", *id); err != nil {
			return exitUsage, err
		}
	case *invoice != "":
		invoiceID, err := parseID("invoice", *invoice)
		if err != nil {
			return exitUsage, err
		}
		deps, err := a.dependencies(ctx, false)
		if err != nil {
			return exitFatal, err
		}
		inv, err := deps.PricingRepo.GetInvoice(ctx, invoiceID)
		if err != nil {
			return exitFailures, err
		}
		fileID = storage.FileID(inv.SourceHash)
	default:
		if *out != "" || *remove {
			return exitUsage, usageErrorf("-out and -delete need -id or -invoice")
		}
		return listArchive(ctx, a, archive)
	}

	switch {
	case *remove:
		if err := archive.Delete(ctx, fileID); err != nil {
			return exitFailures, err
		}
		fmt.Fprintf(a.stdout, "deleted archived document %s\n", fileID)
		return exitOK, nil
	case *out != "":
		return copyArchived(ctx, a, archive, fileID, *out)
	}

	info, err := archive.GetInfo(ctx, fileID)
	if err != nil {
		return exitFailures, err
	}
	return exitOK, a.printJSON(info)
}

func listArchive(ctx context.Context, a *app, archive storage.Storage) (int, error) {
	files, err := archive.List(ctx)
	if err != nil {
		return exitFatal, fmt.Errorf("%w: %w", errFatal, err)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tARCHIVED")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.ID, f.Name, f.Size, f.CreatedAt.Format(time.RFC3339))
	}
	return exitOK, tw.Flush()
}

func copyArchived(ctx context.Context, a *app, archive storage.Storage, fileID uuid.UUID, out string) (int, error) {
	r, info, err := archive.Download(ctx, fileID)
	if err != nil {
		return exitFailures, err
	}
	defer r.Close()

	if out == "-" {
		_, err := io.Copy(a.stdout, r)
		return exitOK, err
	}
	f, err := os.Create(out)
	if err != nil {
		return exitFailures, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return exitFailures, fmt.Errorf("failed to copy %s: %w", info.Name, err)
	}
	fmt.Fprintf(a.stdout, "wrote %s (%d bytes) to %s\n", info.Name, n, out)
	return exitOK, nil
}

// ============================================================================
// Scheduling
// ============================================================================

func scheduleCmd(ctx context.Context, a *app, args []string) (int, error) {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	spec := fs.String("cron", a.cfg.Analysis.Schedule, "cron expression")
	now := fs.Bool("now", false, "also run once at startup")
	if done, err := parseOrHelp(a, fs, args); done || err != nil {
		return exitOK, err
	}

	deps, err := a.dependencies(ctx, false)
	if err != nil {
		return exitFatal, err
	}

	if a.cfg.Observability.MetricsEnabled {
		deps.Metrics.StartServer(ctx, a.logger, fmt.Sprintf(":%d", a.cfg.Observability.MetricsPort))
	}

	scheduler := cron.NewScheduler(deps.Trends, *spec, a.logger)
	if err := scheduler.Start(); err != nil {
		return exitUsage, usageErrorf("-cron: %v", err)
	}
	if *now {
		scheduler.RunNow()
	}

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return exitOK, nil
}
