// Package workdir manages the local task directories: uploads, marked output
// and training output.
package workdir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Folder kinds used as directory suffix.
const (
	KindMark  = "mark"
	KindTrain = "train"
)

// Concept is the class token of the kohya style `<repeat>_<concept>` folder.
const Concept = "rick"

// SamplePromptsFile is the preview prompt file name inside the marked folder.
const SamplePromptsFile = "sample_prompts.txt"

// UniqueDir creates `<root>/<taskID>_<seq>_<kind>` with seq one above the
// highest existing sequence for the task.
func UniqueDir(root string, taskID int, kind string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", root, err)
	}

	prefix := strconv.Itoa(taskID) + "_"
	seq := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		parts := strings.SplitN(strings.TrimPrefix(e.Name(), prefix), "_", 2)
		if n, err := strconv.Atoi(parts[0]); err == nil && n > seq {
			seq = n
		}
	}

	dir := filepath.Join(root, fmt.Sprintf("%d_%d_%s", taskID, seq+1, kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// TrainDataDirName returns the training data folder name for repeat.
func TrainDataDirName(repeat int) string {
	return fmt.Sprintf("%d_%s", repeat, Concept)
}

// HasFiles reports whether dir exists and contains at least one regular file.
func HasFiles(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return true
		}
	}
	return false
}

// RefreshFlat empties dst and copies the regular files at the top level of src into it.
func RefreshFlat(src, dst string) (int, error) {
	if err := os.RemoveAll(dst); err != nil {
		return 0, fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", src, err)
	}
	copied := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// ReadCaptions returns the contents of the .txt caption files in dir, sorted by name.
func ReadCaptions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".txt") && e.Name() != SamplePromptsFile {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	captions := make([]string, 0, len(names))
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		captions = append(captions, string(b))
	}
	return captions, nil
}

// Collect walks dir and returns the paths relative to dir of files matching keep.
func Collect(dir string, keep func(rel string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
