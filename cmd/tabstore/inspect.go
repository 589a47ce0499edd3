package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/spf13/cobra"
)

type metadataView struct {
	Version              int                     `json:"version"`
	IncognitoCount       int                     `json:"incognito_count"`
	IncognitoActiveIndex int                     `json:"incognito_active_index"`
	NormalActiveIndex    int                     `json:"normal_active_index"`
	Entries              []metadata.EntryDetails `json:"entries"`
}

type stateView struct {
	TabID     int    `json:"tab_id"`
	URL       string `json:"url"`
	Incognito bool   `json:"incognito"`
	Timestamp string `json:"timestamp"`
	BlobBytes int    `json:"blob_bytes"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode a metadata or normal tab state file and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := inspect(args[0])
			if err != nil {
				return err
			}
			out, err := sonic.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func inspect(path string) (interface{}, error) {
	name := filepath.Base(path)

	if _, ok := metadata.ParseFileName(name); ok || name == metadata.LegacyFileName {
		rec, _, err := metadata.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata file: %w", err)
		}
		return metadataView{
			Version:              rec.Version,
			IncognitoCount:       rec.IncognitoCount,
			IncognitoActiveIndex: rec.IncognitoActiveIndex,
			NormalActiveIndex:    rec.NormalActiveIndex,
			Entries:              rec.Details(),
		}, nil
	}

	_, incognito, ok := tabstate.ParseFileName(name)
	if !ok {
		return nil, fmt.Errorf("%s is neither a metadata nor a tab state file", name)
	}
	if incognito {
		return nil, fmt.Errorf("%s is sealed with a per-process key and cannot be inspected", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := tabstate.NewKey()
	if err != nil {
		return nil, err
	}
	codec, err := tabstate.NewCodec(key, tabstate.Options{})
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	state, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tab state: %w", err)
	}
	return stateView{
		TabID:     state.TabID,
		URL:       state.URL,
		Incognito: state.Incognito,
		Timestamp: state.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		BlobBytes: len(state.Blob),
	}, nil
}
