package captures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/pktreplay/pktreplay/cliutil"
	"github.com/go-appsec/pktreplay/pktreplay/service"
	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/replay"
)

const (
	previewBytes     = 60
	showPayloadBytes = 4096
)

type listOptions struct {
	Limit    int
	Protocol string
	Host     string
	JSON     bool
}

// filter applies the list options to newest-first records.
func (o listOptions) filter(records []capture.CapturedRecord) []capture.CapturedRecord {
	if o.Protocol != "" {
		proto := capture.ParseProtocol(o.Protocol)
		records = bulk.SliceFilter(func(r capture.CapturedRecord) bool {
			return r.Protocol == proto
		}, records)
	}
	if o.Host != "" {
		host := strings.ToLower(o.Host)
		records = bulk.SliceFilter(func(r capture.CapturedRecord) bool {
			return strings.Contains(strings.ToLower(r.DestinationIP), host)
		}, records)
	}
	if o.Limit > 0 && len(records) > o.Limit {
		records = records[:o.Limit]
	}
	return records
}

func loadRecords(dataDir string) ([]capture.CapturedRecord, error) {
	repo, err := service.OpenRepository(dataDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = repo.Close() }()

	records, err := repo.LoadRecords()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	return records, nil
}

// findRecord resolves a full id or unique prefix.
func findRecord(dataDir, idArg string) (capture.CapturedRecord, error) {
	records, err := loadRecords(dataDir)
	if err != nil {
		return capture.CapturedRecord{}, err
	}
	ids := make([]uuid.UUID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	id, err := cliutil.MatchID(idArg, ids)
	if err != nil {
		return capture.CapturedRecord{}, err
	}
	idx := slices.IndexFunc(records, func(r capture.CapturedRecord) bool { return r.ID == id })
	return records[idx], nil
}

func list(w io.Writer, dataDir string, opts listOptions) error {
	records, err := loadRecords(dataDir)
	if err != nil {
		return err
	}
	records = opts.filter(records)

	if opts.JSON {
		return writeJSON(w, records)
	} else if len(records) == 0 {
		cliutil.NoResults(w, "No captured records found.")
		return nil
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"ID", "Time", "Protocol", "Process", "Source", "Destination", "Size", "Preview"})
	if painter := cliutil.ProtocolRowPainter(w, 2); painter != nil {
		t.SetRowPainter(painter)
	}
	for _, r := range records {
		t.AppendRow(table.Row{
			cliutil.ShortID(r.ID),
			r.Timestamp.Local().Format(time.DateTime),
			string(r.Protocol),
			r.ProcessName,
			net.JoinHostPort(r.SourceIP, strconv.Itoa(int(r.SourcePort))),
			r.Destination(),
			len(r.Payload),
			cliutil.Printable(r.Payload, previewBytes),
		})
	}
	t.Render()
	cliutil.Summary(w, len(records), "record", "records")
	cliutil.HintCommand(w, "To inspect a record", "pktreplay captures show "+cliutil.ShortID(records[0].ID))
	return nil
}

func show(w io.Writer, dataDir, idArg string, jsonOut, raw bool) error {
	rec, err := findRecord(dataDir, idArg)
	if err != nil {
		return err
	}

	if raw {
		_, err := w.Write(rec.Payload)
		return err
	} else if jsonOut {
		return writeJSON(w, rec)
	}

	_, _ = fmt.Fprintf(w, "Record `%s`\n\n", rec.ID)
	_, _ = fmt.Fprintf(w, "Time:        %s\n", rec.Timestamp.Local().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Protocol:    %s\n", rec.Protocol)
	_, _ = fmt.Fprintf(w, "Process:     %s\n", rec.ProcessName)
	_, _ = fmt.Fprintf(w, "Source:      %s\n", net.JoinHostPort(rec.SourceIP, strconv.Itoa(int(rec.SourcePort))))
	_, _ = fmt.Fprintf(w, "Destination: %s\n", rec.Destination())
	if rec.RequestURL != "" {
		_, _ = fmt.Fprintf(w, "URL:         %s\n", rec.RequestURL)
	}

	if len(rec.Headers) > 0 {
		_, _ = fmt.Fprintln(w)
		t := cliutil.NewTable(w)
		t.AppendHeader(table.Row{"Header", "Value"})
		names := bulk.MapKeysSlice(rec.Headers)
		slices.Sort(names)
		for _, name := range names {
			t.AppendRow(table.Row{name, rec.Headers[name]})
		}
		t.Render()
	}

	_, _ = fmt.Fprintf(w, "\nPayload (%d bytes):\n%s\n", len(rec.Payload), cliutil.Printable(rec.Payload, showPayloadBytes))
	return nil
}

func clearRecords(w io.Writer, dataDir string) error {
	repo, err := service.OpenRepository(dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	records, err := repo.LoadRecords()
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	} else if err := repo.SaveRecords(nil); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Cleared %d records.\n", len(records))
	return nil
}

func replayRecord(ctx context.Context, w io.Writer, dataDir, idArg string, timeout time.Duration) error {
	rec, err := findRecord(dataDir, idArg)
	if err != nil {
		return err
	}

	out := replay.NewEngine(nil, nil, timeout).Replay(ctx, rec)
	if !out.Success {
		return fmt.Errorf("replay of %s failed: %w", cliutil.ShortID(rec.ID), out.Err)
	}
	_, _ = fmt.Fprintf(w, "Replayed `%s` (%s): %s\n", cliutil.ShortID(rec.ID), rec.DisplayName(), out.Message)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
