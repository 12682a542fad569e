/*
 * s3lens (C) 2026 s3lens authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command s3lens is a thin composition root and console driver over the
// core: it wires the Credential Store, the Request Engine, the Browser
// Model, and the Preview Manager together, then drives the Browser
// Model's command surface (spec §4.G) from stdin.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/s3lens/s3lens/internal/browser"
	"github.com/s3lens/s3lens/internal/engine"
	"github.com/s3lens/s3lens/internal/events"
	"github.com/s3lens/s3lens/internal/preview"
	"github.com/s3lens/s3lens/internal/previewmgr"
	"github.com/s3lens/s3lens/internal/profile"
)

func init() {
	// disable automaxprocs' own log output; we don't run a supervised
	// container log pipeline here.
	_, _ = maxprocs.Set()
}

var (
	flagProfile string
	flagWorkers int
)

var rootCmd = &cobra.Command{
	Use:   "s3lens",
	Short: "Browse S3-compatible buckets read-only",
	Long: `s3lens is a read-only console browser for S3-compatible object
storage: list buckets and folders, page through large listings, and
preview object contents — including gzip/zstd-compressed and
multi-gigabyte files — without downloading them in full.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBrowse,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", profile.InitialProfile(), "credential profile to start on")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", engine.DefaultWorkers, "worker goroutines per priority queue")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBrowse(cmd *cobra.Command, args []string) error {
	store := &profile.Store{}
	profiles, loadErr := store.Load()
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", loadErr)
	}

	byName := make(map[string]profile.Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}

	initial, ok := byName[flagProfile]
	if !ok {
		return fmt.Errorf("profile %q not found or not resolvable (has static credentials or a usable SSO cache entry?)", flagProfile)
	}

	bus := events.NewBus(nil)
	eng := engine.New(engine.Config{
		Workers: flagWorkers,
		Now:     time.Now,
		Resolve: func(name string) (profile.Profile, error) {
			// Re-load from disk so an external `aws sso login` between
			// profile switches is picked up (spec §4.A "stateless
			// between calls").
			fresh, err := store.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			for _, p := range fresh {
				if p.Name == name {
					return p, nil
				}
			}
			return profile.Profile{}, fmt.Errorf("profile %q not found", name)
		},
	}, bus, initial)
	eng.Start()
	defer eng.Shutdown()

	previews := previewmgr.New(eng)
	model := browser.New(eng, previews)
	model.Refresh()

	repl(model, previews, bus)
	return nil
}

// repl drives the Browser Model's command surface from stdin, draining
// the Event Bus once per command the way a UI frame would (spec §5
// "consumer drain each UI frame").
func repl(model *browser.Model, previews *previewmgr.Manager, bus *events.Bus) {
	fmt.Println(`s3lens — commands: ls, cd <path>, up, cat <key>, profile <name>, addbucket <name>, refresh, quit`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("s3lens> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, rest := fields[0], fields[1:]

		switch cmd {
		case "quit", "exit":
			return
		case "refresh":
			model.Refresh()
		case "up":
			model.NavigateUp()
		case "cd":
			if len(rest) != 1 {
				fmt.Println("usage: cd <s3://bucket/prefix/>")
				break
			}
			model.NavigateTo(rest[0])
		case "addbucket":
			if len(rest) != 1 {
				fmt.Println("usage: addbucket <name>")
				break
			}
			model.AddManualBucket(rest[0])
		case "profile":
			if len(rest) != 1 {
				fmt.Println("usage: profile <name>")
				break
			}
			if err := model.SelectProfile(rest[0]); err != nil {
				fmt.Fprintf(os.Stderr, "profile switch failed: %v\n", err)
			}
		case "cat":
			if len(rest) != 1 {
				fmt.Println("usage: cat <key>")
				break
			}
			bucket, prefix := model.CurrentPath()
			model.SelectFile(bucket, prefix+rest[0], guessSizeFromCurrentListing(model, bucket, prefix, rest[0]))
		case "ls":
			printListing(model)
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}

		model.ProcessEvents(bus.Take())
		if cmd == "cat" {
			printPreview(previews)
		}
	}
}

// guessSizeFromCurrentListing recovers the object's known size from the
// already-loaded FolderNode, if present, so selectFile can decide
// whether streaming is warranted without an extra round trip.
func guessSizeFromCurrentListing(model *browser.Model, bucket, prefix, key string) int64 {
	node := model.Node(bucket, prefix)
	if node == nil {
		return 0
	}
	for _, o := range node.Objects {
		if o.Key == prefix+key {
			return o.Size
		}
	}
	return 0
}

func printListing(model *browser.Model) {
	bucket, prefix := model.CurrentPath()
	if bucket == "" {
		buckets, errMsg := model.Buckets()
		if errMsg != "" {
			fmt.Println("error:", errMsg)
			return
		}
		for _, b := range buckets {
			fmt.Printf("%s/\t%s\n", b.Name, b.CreationDate)
		}
		return
	}

	node := model.Node(bucket, prefix)
	if node == nil {
		fmt.Println("(loading...)")
		return
	}
	if node.Error != "" {
		fmt.Println("error:", node.Error)
		return
	}
	for _, o := range node.Objects {
		name := strings.TrimPrefix(o.Key, prefix)
		if o.IsFolder {
			fmt.Printf("%s\t%s\n", name, "<DIR>")
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", name, browser.DisplaySize(o), o.LastModified)
	}
	if node.Loading {
		fmt.Println("(loading more...)")
	}
}

func printPreview(previews *previewmgr.Manager) {
	if errMsg := previews.Error(); errMsg != "" {
		fmt.Println("error:", errMsg)
		return
	}
	if !previews.Supported() {
		fmt.Println("(preview not supported for this file type)")
		return
	}
	if sp := previews.Streaming(); sp != nil {
		n := sp.LineCount()
		fmt.Printf("(streaming, %s, %d lines so far)\n", humanizePercent(sp), n)
		for i := 0; i < n && i < 200; i++ {
			line, err := sp.GetLine(i)
			if err != nil {
				break
			}
			fmt.Println(string(line))
		}
		return
	}
	fmt.Println(string(previews.Content()))
}

func humanizePercent(sp *preview.Streaming) string {
	total := sp.Complete()
	if total {
		return "complete"
	}
	return strconv.FormatInt(sp.BytesDownloaded(), 10) + " bytes downloaded"
}
