package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/nfce/horosafe"
	"github.com/hazyhaar/nfce/kit"
	"github.com/hazyhaar/nfce/nfce"
)

func newCaptureCmd(g *globalFlags) *cobra.Command {
	var (
		texts  []string
		origin string
	)
	cmd := &cobra.Command{
		Use:   "capture [image ...]",
		Short: "Decode receipt QR images (or - for stdin) and register their access keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(texts) == 0 {
				return fmt.Errorf("give at least one image path or --text")
			}
			svc, err := g.open()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := kit.WithOrigin(kit.WithTransport(cmd.Context(), "cli"), origin)
			out := cmd.OutOrStdout()
			var results []*nfce.CaptureResult

			for _, path := range args {
				img, err := readImage(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				res, err := svc.Capture(ctx, img, origin)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				results = append(results, res)
				if !g.jsonOut {
					printCapture(out, path, res)
				}
			}
			for _, text := range texts {
				res, err := svc.CaptureText(ctx, text, origin)
				if err != nil {
					return err
				}
				results = append(results, res)
				if !g.jsonOut {
					printCapture(out, "text", res)
				}
			}
			if g.jsonOut {
				return printJSON(out, results)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&texts, "text", nil, "already decoded QR text (repeatable)")
	cmd.Flags().StringVar(&origin, "origin", "cli", "origin recorded with new receipts")
	return cmd
}

func readImage(path string) ([]byte, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return horosafe.LimitedReadAll(r, horosafe.MaxImageBytes)
}

func printCapture(w io.Writer, src string, res *nfce.CaptureResult) {
	switch res.Status {
	case nfce.StatusRegistered:
		fmt.Fprintf(w, "%s: registered %s\n", src, res.AccessKey)
	case nfce.StatusAlreadyKnown:
		fmt.Fprintf(w, "%s: already registered %s\n", src, res.AccessKey)
	case nfce.StatusNoKey:
		fmt.Fprintf(w, "%s: no valid key in %q\n", src, res.Text)
	default:
		fmt.Fprintf(w, "%s: no code detected\n", src)
	}
}
