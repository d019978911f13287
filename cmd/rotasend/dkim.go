package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/rotasend/internal/dkim"
)

var (
	dkimDomain    string
	dkimSelector  string
	dkimAlgorithm string
	dkimKeyFile   string
	dkimOutDir    string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a DKIM key for a sender domain",
	Long: `Generate a DKIM private key and print the TXT record to publish.
Reference the key from the dkim section of the config to sign messages
sent from that domain.`,
	RunE: runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the DNS record of an existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Sender domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "rotasend", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimAlgorithm, "algorithm", dkim.AlgorithmRSA, "Key algorithm: rsa or ed25519")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Sender domain (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "rotasend", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimAlgorithm)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	if err := kp.Save(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated (%s)\n\n", kp.Algorithm())
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	return printDKIMRecord(kp)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadKey(dkimKeyFile)
	if err != nil {
		return err
	}
	return printDKIMRecord(&dkim.KeyPair{Key: key, Domain: dkimDomain, Selector: dkimSelector})
}

func printDKIMRecord(kp *dkim.KeyPair) error {
	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name:  %s\n", kp.DNSName())
	fmt.Printf("  Type:  TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}
