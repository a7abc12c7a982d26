package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edvin/sitebackup/internal/archive"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Print the metadata entry of a local backup archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		hdr, body, err := archive.ReadFirstEntry(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", hdr.Name, humanize.Bytes(uint64(hdr.Size)))

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, bytes.TrimRight(body, " \n"), "", "  "); err != nil {
			return fmt.Errorf("parse %s: %w", hdr.Name, err)
		}
		pretty.WriteByte('\n')
		_, err = pretty.WriteTo(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
