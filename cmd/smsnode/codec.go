package main

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

type headerFlags struct {
	id      string
	command string
	ref     string
	kind    string
}

func (f *headerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "message id (generated when empty)")
	cmd.Flags().StringVar(&f.command, "command", "s", "command: s, r, e, d or send, reply, edit, delete")
	cmd.Flags().StringVar(&f.ref, "ref", "", "referenced message id for reply, edit and delete")
	cmd.Flags().StringVar(&f.kind, "kind", "text", "payload kind: text or voice")
}

func (f *headerFlags) header() (protocol.Header, error) {
	cmd, err := protocol.ParseCommand(f.command)
	if err != nil {
		return protocol.Header{}, err
	}

	id := f.id
	if id == "" {
		id = protocol.GenerateMessageID()
	}

	return protocol.Header{
		MessageID:   id,
		Command:     cmd,
		RefID:       f.ref,
		PayloadKind: protocol.ParsePayloadKind(f.kind),
	}, nil
}

func contentArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func encodeCmd() *cobra.Command {
	var flags headerFlags

	cmd := &cobra.Command{
		Use:   "encode [content]",
		Short: "Encode one unit without splitting",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := flags.header()
			if err != nil {
				return err
			}

			unit, headerLen, err := protocol.Encode(h, contentArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, unit)
			fmt.Fprintf(out, "header: %d  total: %d\n", headerLen, utf8.RuneCountInString(unit))
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func planCmd() *cobra.Command {
	var (
		flags  headerFlags
		budget int
	)

	cmd := &cobra.Command{
		Use:   "plan [content]",
		Short: "Split content into units that fit the unit budget",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := flags.header()
			if err != nil {
				return err
			}

			units, err := protocol.NewPlanner(budget).Plan(h, contentArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, unit := range units {
				fmt.Fprintf(out, "%d/%d (%d): %s\n", i+1, len(units), utf8.RuneCountInString(unit), unit)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&budget, "budget", protocol.DefaultUnitBudget, "characters per unit, header included")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <unit>",
		Short: "Decode one raw unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			unit, err := protocol.Decode(args[0])
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				fmt.Fprintf(out, "undecodable header (%v), receivers show it as plain text\n", decodeErr.Err)
				return nil
			}
			if err != nil {
				return err
			}

			if unit.Legacy {
				fmt.Fprintln(out, "legacy: plain text without a header")
				fmt.Fprintf(out, "content: %q\n", unit.Content)
				return nil
			}

			fmt.Fprintf(out, "id:      %s\n", unit.MessageID)
			fmt.Fprintf(out, "command: %s\n", unit.Command)
			if unit.HasRef() {
				fmt.Fprintf(out, "ref:     %s\n", unit.RefID)
			}
			fmt.Fprintf(out, "kind:    %s\n", unit.PayloadKind)
			fmt.Fprintf(out, "part:    %d/%d\n", unit.PartIndex, unit.TotalParts)
			fmt.Fprintf(out, "content: %q\n", unit.Content)
			return nil
		},
	}
}
