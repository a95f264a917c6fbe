package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/p2pkit/peerdir"
	"github.com/p2pkit/peerdir/netgroup"
	"github.com/p2pkit/peerdir/peerbook"
	"github.com/p2pkit/peerdir/peerstore"
)

//nolint:lll
type inspectCommand struct {
	List  string `long:"list" description:"Which list to print" choice:"new" choice:"tried" choice:"all" default:"all"`
	Limit int    `long:"limit" description:"Maximum number of rows to print (0 prints every peer)"`

	cfg *peerdir.Config
}

// Execute prints the stored snapshot.
func (c *inspectCommand) Execute(_ []string) error {
	store, err := peerstore.Open(c.cfg.DataDir, clock.NewDefaultClock())
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Load()
	if err != nil {
		return err
	}

	var savedAt string
	switch at, err := store.SavedAt(); {
	case errors.Is(err, peerstore.ErrNeverSaved):
		savedAt = "never"

	case err != nil:
		return err

	default:
		savedAt = at.Format(time.RFC3339)
	}

	renderSnapshot(os.Stdout, snapshot, c.List, c.Limit)
	fmt.Printf("%d new and %d tried peer(s), saved %s\n",
		len(snapshot.New), len(snapshot.Tried), savedAt)

	return nil
}

// renderSnapshot writes the peers of the selected lists as a table, the
// oldest first.
func renderSnapshot(w io.Writer, snapshot peerbook.Snapshot, list string,
	limit int) {

	type row struct {
		list string
		peer peerbook.KnownPeer
	}

	var rows []row
	if list != "tried" {
		for _, peer := range snapshot.New {
			rows = append(rows, row{"new", peer})
		}
	}
	if list != "new" {
		for _, peer := range snapshot.Tried {
			rows = append(rows, row{"tried", peer})
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].peer.DateAdded.Before(rows[j].peer.DateAdded)
	})
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{
		"List", "Peer", "Network", "Group", "Height", "Version", "OS",
		"Added", "Failures",
	})

	for _, r := range rows {
		network, group := "unknown", "unknown"
		if n, err := netgroup.Classify(r.peer.IPAddress); err == nil {
			network = n.String()
		}
		if g, err := netgroup.Group(r.peer.IPAddress); err == nil {
			group = g
		}

		added := "-"
		if !r.peer.DateAdded.IsZero() {
			added = r.peer.DateAdded.UTC().Format(time.RFC3339)
		}

		t.AppendRow(table.Row{
			r.list, r.peer.PeerID(), network, group,
			r.peer.Height, r.peer.Version, r.peer.OS, added,
			r.peer.NumOfConnectionFailures,
		})
	}

	t.Render()
}

type wipeCommand struct {
	cfg *peerdir.Config
}

// Execute drops every stored peer.
func (c *wipeCommand) Execute(_ []string) error {
	store, err := peerstore.Open(c.cfg.DataDir, clock.NewDefaultClock())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Wipe(); err != nil {
		return err
	}
	fmt.Println("Peer store wiped")

	return nil
}
