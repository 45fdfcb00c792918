package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipkeep/internal/ipc"
	"go.klb.dev/clipkeep/internal/message"
	"go.klb.dev/clipkeep/internal/selection"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the servers' ownership state and history statistics",
		Long: `Queries the running servers over their IPC sockets. Without
--selection every selection with a running server is shown.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runStatus(v) },
	}

	addSelectionFlag(cmd, "", "only this selection: CLIPBOARD|PRIMARY")
	cmd.Flags().Bool("json", false, "output raw JSON")
	addConfigFlag(cmd)

	return cmd
}

func runStatus(v *viper.Viper) error {
	channels := selection.Channels
	if s := v.GetString("selection"); s != "" {
		ch, err := selection.ParseChannel(s)
		if err != nil {
			return err
		}
		channels = []selection.Channel{ch}
	}

	var out []*message.StatusInfo
	for _, ch := range channels {
		if len(channels) > 1 && !ipc.IsRunning(ch) {
			continue
		}
		resp, err := request(ch, &message.Message{Type: message.TypeStatus})
		if err != nil {
			return err
		}
		out = append(out, resp.Status)
	}

	if v.GetBool("json") {
		enc, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(enc))
		return nil
	}
	if len(out) == 0 {
		fmt.Println("No clipkeep server running.")
		return nil
	}
	for i, st := range out {
		if i > 0 {
			fmt.Println()
		}
		printStatus(st)
	}
	return nil
}

func printStatus(st *message.StatusInfo) {
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Selection:\t%s\n", st.Channel)
	fmt.Fprintf(w, "Backend:\t%s\n", st.Backend)
	fmt.Fprintf(w, "Started:\t%s\n", fmtAge(st.StartedAt))
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	if s := st.Served; s != nil {
		fmt.Fprintf(w, "Serving:\t#%d %s %s (%s)\n", s.ID, s.Kind, s.MIME, humanize.IBytes(uint64(s.Size)))
	}
	fmt.Fprintf(w, "Captures in flight:\t%d\n", st.PendingCaptures)
	fmt.Fprintf(w, "Incremental serves:\t%d\n", st.ActiveServes)
	fmt.Fprintf(w, "Watchers:\t%d\n", st.Watchers)
	fmt.Fprintf(w, "Last id:\t%d\n", st.LastID)
	_ = w.Flush()

	if len(st.StoreItems) == 0 {
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "\nSELECTION\tITEMS\tSIZE\n")
	names := make([]string, 0, len(st.StoreItems))
	for name := range st.StoreItems {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", name, st.StoreItems[name], humanize.IBytes(uint64(st.StoreBytes[name])))
	}
	_ = tw.Flush()
}
