package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/format"
	"go.klb.dev/clipkeep/internal/history"
	"go.klb.dev/clipkeep/internal/hub"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
)

const previewWidth = 60

func newListCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List history items, oldest first",
		Long: `Reads the history store directly; no server needs to be running.

  clipkeep list --tail 20
  clipkeep list --selection PRIMARY --query "ssh key"
  clipkeep list --after 120 --json`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runList(v, cmd.OutOrStdout()) },
	}

	f := cmd.Flags()
	addSelectionFlag(cmd, "", "only items of this selection: CLIPBOARD|PRIMARY")
	f.Uint64("after", 0, "only items with a larger id")
	f.Int("limit", 0, "at most this many items (0 = all)")
	f.Int("tail", 0, "only the newest N matching items")
	f.String("query", "", "fuzzy filter on text content")
	f.Bool("json", false, "output JSON")
	addConfigFlag(cmd)

	return cmd
}

type listEntry struct {
	message.ItemInfo
	Preview  string            `json:"preview,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func runList(v *viper.Viper, out io.Writer) error {
	var ch selection.Channel
	if s := v.GetString("selection"); s != "" {
		var err error
		if ch, err = selection.ParseChannel(s); err != nil {
			return err
		}
	}
	store, err := openStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	query := v.GetString("query")
	limit := v.GetInt("limit")
	f := history.Filter{Channel: ch, After: v.GetUint64("after"), Tail: v.GetInt("tail")}
	if query == "" {
		f.Limit = limit
	}

	var entries []listEntry
	for it, err := range store.List(f) {
		if err != nil {
			return err
		}
		if query != "" && !matches(query, it) {
			continue
		}
		entries = append(entries, listEntry{
			ItemInfo: *itemInfo(it),
			Preview:  preview(it, previewWidth),
			Metadata: it.Metadata,
		})
		if limit > 0 && len(entries) == limit {
			break
		}
	}

	if v.GetBool("json") {
		enc, _ := json.MarshalIndent(entries, "", "  ")
		_, err := fmt.Fprintln(out, string(enc))
		return err
	}

	tw := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "ID\tSELECTION\tKIND\tSIZE\tCAPTURED\tCONTENT\n")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Channel, e.Kind, humanize.IBytes(uint64(e.Size)), fmtAge(e.CreatedAt), e.Preview)
	}
	return tw.Flush()
}

// matches fuzzy-matches query against text items; other kinds never match.
func matches(query string, it history.Item) bool {
	if it.Kind != format.Text && it.Kind != format.RichText {
		return false
	}
	return fuzzy.MatchNormalizedFold(query, string(it.Payload))
}

func itemInfo(it history.Item) *message.ItemInfo {
	ev := hub.EventOf(it)
	return &message.ItemInfo{
		ID:        ev.ID,
		Channel:   string(ev.Channel),
		Kind:      string(ev.Kind),
		MIME:      ev.MIME,
		Size:      ev.Size,
		CreatedAt: ev.CreatedAt,
	}
}
