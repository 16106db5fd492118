package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SolidCitadel/UniSync/pkg/fieldcrypt"
)

// keygenCmd はフィールド暗号化鍵の生成コマンド。
// 出力は crypto.keys にそのまま追加できる "version:base64" 形式。
func keygenCmd() *cobra.Command {
	var (
		version int
		kmsKey  string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a field encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if version < 1 {
				return fmt.Errorf("--version must be positive")
			}
			key, err := fieldcrypt.GenerateKey()
			if err != nil {
				return err
			}

			if kmsKey != "" {
				kms, err := fieldcrypt.NewKMSUnwrapper(cmd.Context(), kmsKey)
				if err != nil {
					return err
				}
				defer kms.Close()
				if key, err = kms.Wrap(cmd.Context(), key); err != nil {
					return err
				}
			}

			printf(cmd, "%d:%s\n", version, base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "Key version")
	cmd.Flags().StringVar(&kmsKey, "kms-key", "", "Cloud KMS key name used to wrap the generated key")
	return cmd
}
