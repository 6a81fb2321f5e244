package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/spf13/cobra"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/signer"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner, err := a.scanner()
			if err != nil {
				return err
			}
			handles, err := scanner.Scan(cmd.Context())
			if err != nil {
				closeAll(handles)
				return err
			}
			defer closeAll(handles)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tFINGERPRINT\tVERSION\tCAPABILITIES")
			for _, h := range handles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Kind(), h.Fingerprint(), h.Version(), h.Flags())
			}
			return w.Flush()
		},
	}
}

func newFingerprintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the master key fingerprint of the selected device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := a.selectHandle(cmd.Context())
			if err != nil {
				return err
			}
			defer handle.Close()

			fp, err := handle.MasterFingerprint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
}

func newXPubCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "xpub <path>",
		Short: "Print the extended public key at a derivation path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := hwi.ParsePath(args[0])
			if err != nil {
				return err
			}
			handle, err := a.selectHandle(cmd.Context())
			if err != nil {
				return err
			}
			defer handle.Close()

			xpub, err := handle.ExtendedPubKey(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), xpub)
			return nil
		},
	}
}

func newAddressCmd(a *app) *cobra.Command {
	var (
		path       string
		name       string
		descriptor string
		change     bool
		index      uint32
	)
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Show an address on the device for confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := hwi.AddressRequest{Change: change, Index: index}
			switch {
			case path != "" && descriptor != "":
				return fmt.Errorf("--path and --descriptor are mutually exclusive")
			case path != "":
				p, err := hwi.ParsePath(path)
				if err != nil {
					return err
				}
				req.Path = p
			case descriptor != "":
				req.Policy = &hwi.Policy{Name: name, Descriptor: descriptor}
			default:
				return fmt.Errorf("one of --path or --descriptor is required")
			}

			handle, err := a.selectHandle(cmd.Context())
			if err != nil {
				return err
			}
			defer handle.Close()
			return handle.DisplayAddress(cmd.Context(), req)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "derivation path, e.g. m/84h/0h/0h/0/0")
	cmd.Flags().StringVar(&name, "name", "", "wallet policy name")
	cmd.Flags().StringVar(&descriptor, "descriptor", "", "wallet policy descriptor")
	cmd.Flags().BoolVar(&change, "change", false, "use the change chain")
	cmd.Flags().Uint32Var(&index, "index", 0, "address index")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		name       string
		descriptor string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a wallet policy on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := a.selectHandle(cmd.Context())
			if err != nil {
				return err
			}
			defer handle.Close()

			proof, err := handle.RegisterPolicy(cmd.Context(), &hwi.Policy{Name: name, Descriptor: descriptor})
			if err != nil {
				return err
			}
			if len(proof) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(proof))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wallet policy name")
	cmd.Flags().StringVar(&descriptor, "descriptor", "", "wallet policy descriptor")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("descriptor")
	return cmd
}

func newSignCmd(a *app) *cobra.Command {
	var (
		name       string
		descriptor string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "sign <psbt-file|->",
		Short: "Sign a transaction and print the updated PSBT",
		Long: "Sign reads a base64 PSBT from a file or stdin (-), runs one signing\n" +
			"round on the selected device and prints the merged result.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packet, err := readPacket(args[0])
			if err != nil {
				return err
			}
			var policy *hwi.Policy
			if descriptor != "" {
				policy = &hwi.Policy{Name: name, Descriptor: descriptor}
			}

			handle, err := a.selectHandle(cmd.Context())
			if err != nil {
				return err
			}
			defer handle.Close()

			if policy != nil {
				if _, err := handle.RegisterPolicy(cmd.Context(), policy); err != nil {
					return err
				}
			}

			signed, err := signer.New(signer.WithLogger(a.log)).Sign(cmd.Context(), handle, packet, policy)
			if err != nil {
				return err
			}

			var raw bytes.Buffer
			if err := signed.Serialize(&raw); err != nil {
				return err
			}
			encoded := base64.StdEncoding.EncodeToString(raw.Bytes())
			if output != "" {
				return os.WriteFile(output, []byte(encoded+"\n"), 0o600)
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wallet policy name")
	cmd.Flags().StringVar(&descriptor, "descriptor", "", "wallet policy descriptor")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the signed PSBT to a file")
	return cmd
}

func readPacket(arg string) (*psbt.Packet, error) {
	var raw []byte
	var err error
	if arg == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read psbt: %w", err)
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(string(raw))), true)
	if err != nil {
		return nil, fmt.Errorf("parse psbt: %w", err)
	}
	return packet, nil
}
