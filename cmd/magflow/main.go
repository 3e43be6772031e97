package main

import "os"

func main() {
	rootCmd.AddCommand(syncCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
