// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/teradata-labs/cascade/pkg/cascade"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate cascade files",
	Long: heredoc.Doc(`
		Validate one cascade file, or every .yaml/.yml file in a
		directory recursively. Validation covers YAML structure,
		unknown fields, phase variants, routing targets, and signal
		references.
	`),
	Example: heredoc.Doc(`
		cascade validate pipeline.yaml
		cascade validate cascades/
	`),
	Args: cobra.ExactArgs(1),
	Run:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	path := args[0]

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "❌ Not found: %s\n", path)
		os.Exit(1)
	}

	if !info.IsDir() {
		if _, err := cascade.LoadFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "❌ Validation failed for %s:\n   %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("✅ %s is valid\n", path)
		return
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && (strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml")) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error walking directory: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No YAML files found in %s\n", path)
		return
	}

	fmt.Printf("Validating %d cascade files in %s...\n\n", len(files), path)

	validCount := 0
	var errors []string
	for _, file := range files {
		relPath, _ := filepath.Rel(path, file)
		if _, err := cascade.LoadFile(file); err != nil {
			fmt.Printf("❌ %s\n", relPath)
			errors = append(errors, fmt.Sprintf("%s: %v", relPath, err))
		} else {
			fmt.Printf("✅ %s\n", relPath)
			validCount++
		}
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Valid:   %d\n", validCount)
	fmt.Printf("  Invalid: %d\n", len(errors))
	fmt.Printf("  Total:   %d\n", len(files))

	if len(errors) > 0 {
		fmt.Println("\nErrors:")
		for _, errMsg := range errors {
			fmt.Printf("  - %s\n", errMsg)
		}
		os.Exit(1)
	}
}
