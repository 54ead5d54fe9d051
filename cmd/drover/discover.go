package main

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/boyter/gocodewalker"

	"github.com/rlch/drover"
)

// ErrNoSuites is returned when the arguments name nothing runnable.
var ErrNoSuites = errors.New("no suites or scripts found")

// collectFiles expands args into suite and script paths. Explicit files are
// kept as given. In a walked directory, scripts that sit next to a suite
// file belong to that suite and are not run on their own.
func collectFiles(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}

	var files []string

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			files = append(files, arg)

			continue
		}

		found, err := walkDir(arg)
		if err != nil {
			return nil, err
		}

		files = append(files, found...)
	}

	if len(files) == 0 {
		return nil, ErrNoSuites
	}

	return files, nil
}

// walkDir walks root for suites and scripts, respecting .gitignore.
func walkDir(root string) ([]string, error) {
	fileListQueue := make(chan *gocodewalker.File, 100)

	fileWalker := gocodewalker.NewFileWalker(root, fileListQueue)
	fileWalker.AllowListExtensions = []string{"dvr", "yaml", "yml"}

	var walkErr error
	fileWalker.SetErrorHandler(func(e error) bool {
		walkErr = e

		return true
	})

	var (
		wg      sync.WaitGroup
		suites  = map[string][]string{}
		scripts = map[string][]string{}
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		for f := range fileListQueue {
			if !drover.IsSuiteFile(f.Location) {
				continue
			}

			dir := filepath.Dir(f.Location)
			if filepath.Ext(f.Location) == drover.ScriptExt {
				scripts[dir] = append(scripts[dir], f.Location)
			} else {
				suites[dir] = append(suites[dir], f.Location)
			}
		}
	}()

	err := fileWalker.Start()
	if err != nil {
		return nil, err
	}

	wg.Wait()

	if walkErr != nil {
		return nil, walkErr
	}

	var files []string

	for dir, paths := range suites {
		files = append(files, paths...)
		delete(scripts, dir)
	}

	for _, paths := range scripts {
		files = append(files, paths...)
	}

	slices.Sort(files)

	return files, nil
}
