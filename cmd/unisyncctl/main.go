// Package main は運用者向けCLIツールのエントリポイント。
// 暗号鍵の生成、デッドレターキューの再投入、アウトボックスの滞留確認を行う。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd はサブコマンドを登録したルートコマンドを返す。
func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "unisyncctl",
		Short:        "UniSync operator CLI",
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.AddCommand(keygenCmd())
	root.AddCommand(dlqCmd())
	root.AddCommand(outboxCmd())
	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
