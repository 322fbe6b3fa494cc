package cmd

import (
	"context"
	"fmt"
	"math/big"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/machinelattice/apex/internal/settlement"
	"github.com/machinelattice/apex/internal/wallet"
)

var walletNetwork string

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the buyer's settlement wallet",
	Long:  `Generate, import, and inspect the EVM signing key used to settle negotiated payments.`,
}

var walletGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new signing key",
	Run:   runWalletGenerate,
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a private key from stdin (hidden input)",
	Run:   runWalletImport,
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Check USDC balance on the configured network",
	Run:   runWalletBalance,
}

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletGenerateCmd)
	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletBalanceCmd)

	walletCmd.PersistentFlags().StringVar(&walletNetwork, "network", "base-sepolia", "Network to operate against")
}

func runWalletGenerate(cmd *cobra.Command, args []string) {
	privateKeyHex, address, err := wallet.Generate()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Address:     %s\n", address)
	fmt.Printf("Private key: %s\n", privateKeyHex)
	fmt.Println()
	fmt.Println("WARNING: handle the private key with care. Never log or share it.")
	fmt.Println("Export it as APEX_PRIVATE_KEY for the negotiate/wallet commands to pick up.")
}

// runWalletImport reads a private key from stdin without echoing it,
// the same way a password prompt would, since key material must never
// be logged or displayed.
func runWalletImport(cmd *cobra.Command, args []string) {
	fmt.Print("Private key (hex): ")
	keyBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Error reading private key: %v\n", err)
		return
	}
	net, ok := settlement.DefaultNetworks()[walletNetwork]
	if !ok {
		fmt.Printf("Error: unknown network %q\n", walletNetwork)
		return
	}
	client, err := ethclient.Dial(net.RPCURL)
	if err != nil {
		fmt.Printf("Error: dial %s: %v\n", net.RPCURL, err)
		return
	}
	w, err := wallet.FromPrivateKey(client, big.NewInt(net.ChainID), net.ExplorerURL, string(keyBytes))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Imported address: %s\n", w.Address())
	fmt.Println("Export this key as APEX_PRIVATE_KEY to use it with other commands.")
}

func runWalletBalance(cmd *cobra.Command, args []string) {
	net, ok := settlement.DefaultNetworks()[walletNetwork]
	if !ok {
		fmt.Printf("Error: unknown network %q\n", walletNetwork)
		return
	}
	client, err := ethclient.Dial(net.RPCURL)
	if err != nil {
		fmt.Printf("Error: dial %s: %v\n", net.RPCURL, err)
		return
	}
	w, err := wallet.FromEnv(client, big.NewInt(net.ChainID), net.ExplorerURL)
	if err != nil {
		fmt.Printf("Error: %v (set APEX_PRIVATE_KEY)\n", err)
		return
	}
	token := common.HexToAddress(net.TokenContract)
	bal, err := w.Balance(context.Background(), token, net.Decimals)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Address: %s\n", w.Address())
	fmt.Printf("Network: %s (chain %d)\n", walletNetwork, net.ChainID)
	fmt.Printf("Balance: %s USDC\n", bal.StringFixed(2))
}
