package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"drds/crypto"
	"drds/discovery"
	"drds/index"
	"drds/node"
)

const consoleHelp = `commands:
  users    usernames currently online
  peers    announced peers and discovered services
  files    local manifest
  sync     re-announce to every peer of this user
  rescan   rebuild the manifest from disk
  sum PATH checksum of a local file
  quit     stop the node`

// runConsole reads line commands from in until quit, EOF or ctx is done.
func runConsole(ctx context.Context, stop context.CancelFunc, in io.Reader, out io.Writer, n *node.Node, svc *discovery.Service) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !runCommand(ctx, line, out, n, svc) {
				stop()
				return
			}
		}
	}
}

func runCommand(ctx context.Context, line string, out io.Writer, n *node.Node, svc *discovery.Service) bool {
	if rest, ok := strings.CutPrefix(line, "sum "); ok {
		rel, err := index.Normalize(strings.TrimSpace(rest))
		if err != nil {
			fmt.Fprintf(out, "sum: %v\n", err)
			return true
		}
		checksum, err := crypto.FileChecksum(n.Index().Abs(rel))
		if err != nil {
			fmt.Fprintf(out, "sum: %v\n", err)
			return true
		}
		fmt.Fprintf(out, "%s  %s\n", crypto.ShortChecksum(checksum), rel)
		return true
	}

	switch line {
	case "":
	case "users":
		fmt.Fprintf(out, "online users: %s\n", formatUsers(n.OnlineUsernames()))
	case "peers":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PEER\tUSERNAME\tADDRESS")
		for _, p := range n.OnlinePeers() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.PeerID, p.Username, p.Address)
		}
		_ = tw.Flush()
		if svc != nil {
			fmt.Fprintf(out, "discovered services: %d\n", len(svc.Scanner.ListPeers()))
		}
	case "files":
		manifest := n.Index().Manifest()
		for _, p := range manifest {
			fmt.Fprintln(out, p)
		}
		fmt.Fprintf(out, "%d files\n", len(manifest))
	case "sync":
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		sent := n.SyncNow(syncCtx)
		cancel()
		fmt.Fprintf(out, "announced to %d peers\n", sent)
	case "rescan":
		count, err := n.Rescan()
		if err != nil {
			fmt.Fprintf(out, "rescan failed: %v\n", err)
			break
		}
		fmt.Fprintf(out, "%d files indexed\n", count)
	case "help", "?":
		fmt.Fprintln(out, consoleHelp)
	case "quit", "exit":
		return false
	default:
		fmt.Fprintf(out, "unknown command %q, try 'help'\n", line)
	}
	return true
}
