package cmd

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codexadarsh/edumentor-fullstack/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive configuration wizard",
		Long:  "Guides you through setting up edumentor: choose a provider, enter your API key, and save the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Welcome to the edumentor configuration wizard!")
	fmt.Println()

	// Provider selection; gemini first as the default tutor backend.
	providers := config.KnownProviders()
	if i := slices.Index(providers, "gemini"); i > 0 {
		providers = append([]string{"gemini"}, slices.Delete(providers, i, i+1)...)
	}
	fmt.Println("Available providers:")
	for i, p := range providers {
		fmt.Printf("  %d. %-10s (default model: %s)\n", i+1, p, config.KnownProviderModels[p])
	}
	fmt.Printf("\nSelect provider (1-%d) [1]: ", len(providers))
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	selectedIdx := 0
	if input != "" {
		n, err := strconv.Atoi(input)
		if err != nil || n < 1 || n > len(providers) {
			return fmt.Errorf("invalid selection %q", input)
		}
		selectedIdx = n - 1
	}
	providerName := providers[selectedIdx]
	fmt.Printf("Selected: %s\n\n", providerName)

	// API key, read without echo when stdin is a terminal.
	fmt.Printf("Enter API key for %s: ", providerName)
	var apiKey string
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read API key: %w", err)
		}
		apiKey = string(b)
	} else {
		apiKey, _ = reader.ReadString('\n')
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" && providerName != "ollama" {
		return fmt.Errorf("API key cannot be empty")
	}

	configPath := cfgFile
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("\nConfig file already exists at %s\n", configPath)
		fmt.Print("Update its provider settings? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.SaveProviderToFile(configPath, providerName, config.ProviderConfig{APIKey: apiKey}); err != nil {
		return err
	}

	fmt.Printf("\nConfig saved to %s\n", configPath)
	fmt.Println("You can now run: edumentor")
	return nil
}
