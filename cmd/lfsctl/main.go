// Command lfsctl formats, checks, inspects and mounts lfs backing images.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "lfsctl",
	Short: "Format, check, inspect and mount log-structured filesystem images",
	Long: `lfsctl is the administrative tool for the lfs log-structured
filesystem: it formats a backing image, validates one offline, prints its
geometry and checkpoint state, and mounts it through the kernel FUSE bridge.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "path to a YAML config file overriding defaults")
	rootCmd.AddCommand(formatCmd, checkCmd, infoCmd, mountCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "lfsctl: reading config file: %s\n", err)
	}
}

func main() {
	Execute()
}
