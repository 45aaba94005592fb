// CLAUDE:SUMMARY CLI entry point for the NFC-e pipeline: capture, scrape, list, show, report, metrics, audit, clear, serve, mcp.
// Command nfce captures NFC-e receipt QR codes and scrapes their details.
//
// Usage:
//
//	nfce capture photo.jpg other.png        # decode and register
//	nfce capture --text "https://...?p=..." # register already decoded text
//	nfce scrape                             # fill details for pending receipts
//	nfce list --status pending
//	nfce show <access-key>
//	nfce report --from 2024-03-01 --to 2024-03-31
//	nfce metrics --since 2024-03-01          # pipeline counters
//	nfce audit                              # history resets, rescrapes
//	nfce clear --yes
//	nfce serve                              # JSON API
//	nfce mcp                                # MCP over stdio
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nfce/kit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(kit.WithTransport(ctx, "cli")); err != nil {
		os.Exit(1)
	}
}
