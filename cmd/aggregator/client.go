package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/colorfulnotion/aggregator/codec"
	"github.com/colorfulnotion/aggregator/common"
	rpcclient "github.com/colorfulnotion/aggregator/rpc_client"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

const defaultEndpoint = "http://127.0.0.1:50051"

func dialEndpoint(cmd *cobra.Command, endpoint string) (*rpcclient.AggregatorClient, error) {
	if endpoint == "" {
		if v, ok := os.LookupEnv("AGGREGATOR_RPC_ADDR"); ok && v != "" {
			endpoint = "http://" + v
		} else {
			endpoint = defaultEndpoint
		}
	}
	return rpcclient.Dial(cmd.Context(), endpoint)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newClientCmds() []*cobra.Command {
	var endpoint string

	var (
		proofFile    string
		vkFile       string
		vkeyHash     string
		vk           string
		rawProof     string
		publicValues string
		wait         time.Duration
	)
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proof and its verification key",
		Long: "Submit either encoded payload files (--proof-file, --vk-file) or the raw parts " +
			"(--vkey-hash, --vk, --proof, --public-values) which are encoded before sending.",
		RunE: func(cmd *cobra.Command, args []string) error {
			proofBytes, vkBytes, err := submitPayloads(proofFile, vkFile, vkeyHash, vk, rawProof, publicValues)
			if err != nil {
				return err
			}
			c, err := dialEndpoint(cmd, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Submit(cmd.Context(), proofBytes, vkBytes)
			if err != nil {
				return err
			}
			fmt.Printf("proof id: %s\n", id)
			if wait <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			data, err := c.WaitForStatus(ctx, id, types.StatusVerified, 10*time.Second)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	sf := submitCmd.Flags()
	sf.StringVar(&proofFile, "proof-file", "", "File holding encoded proof bytes")
	sf.StringVar(&vkFile, "vk-file", "", "File holding encoded verification-key bytes")
	sf.StringVar(&vkeyHash, "vkey-hash", "", "32-byte program digest (hex)")
	sf.StringVar(&vk, "vk", "0x", "Verification key (hex)")
	sf.StringVar(&rawProof, "proof", "0x", "Proof (hex)")
	sf.StringVar(&publicValues, "public-values", "0x", "Public values (hex)")
	sf.DurationVar(&wait, "wait", 0, "Wait up to this long for the proof to be Verified")

	statusCmd := &cobra.Command{
		Use:   "status <proof-id>",
		Short: "Print a proof's lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := common.ParseHash(args[0])
			if err != nil {
				return err
			}
			c, err := dialEndpoint(cmd, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()
			status, err := c.GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}

	proofCmd := &cobra.Command{
		Use:   "proof <proof-id>",
		Short: "Print a proof's inclusion proof and verification context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := common.ParseHash(args[0])
			if err != nil {
				return err
			}
			c, err := dialEndpoint(cmd, endpoint)
			if err != nil {
				return err
			}
			defer c.Close()
			data, err := c.GetAggregatedData(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}

	cmds := []*cobra.Command{submitCmd, statusCmd, proofCmd}
	for _, c := range cmds {
		c.Flags().StringVar(&endpoint, "endpoint", "", "Aggregation service URL (default "+defaultEndpoint+")")
	}
	return cmds
}

func submitPayloads(proofFile, vkFile, vkeyHash, vk, rawProof, publicValues string) ([]byte, []byte, error) {
	if proofFile != "" || vkFile != "" {
		if proofFile == "" || vkFile == "" {
			return nil, nil, fmt.Errorf("--proof-file and --vk-file go together")
		}
		proofBytes, err := os.ReadFile(proofFile)
		if err != nil {
			return nil, nil, err
		}
		vkBytes, err := os.ReadFile(vkFile)
		if err != nil {
			return nil, nil, err
		}
		return proofBytes, vkBytes, nil
	}
	if vkeyHash == "" {
		return nil, nil, fmt.Errorf("either --proof-file/--vk-file or --vkey-hash is required")
	}
	digest, err := common.ParseHash(vkeyHash)
	if err != nil {
		return nil, nil, fmt.Errorf("--vkey-hash: %w", err)
	}
	parts := make([][]byte, 3)
	for i, s := range []string{vk, rawProof, publicValues} {
		if parts[i], err = hexutil.Decode(s); err != nil {
			return nil, nil, fmt.Errorf("decode %q: %w", s, err)
		}
	}
	return codec.NewPayloads(digest, parts[0], parts[1], parts[2])
}
