package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the working-directory contract shared with every collaborator.
// The relative structure is fixed; only the roots move.
type Layout struct {
	VaultSource string
	VaultAudio  string
	VaultData   string
	Translated  string
	Delivery    string
	Errors      string
}

func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.VaultSource, l.VaultAudio, l.VaultData, l.Translated, l.Delivery, l.Errors} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) SourcePath(stem, ext string) string {
	return filepath.Join(l.VaultSource, stem+ext)
}

func (l Layout) AudioPath(stem string) string {
	return filepath.Join(l.VaultAudio, stem+".wav")
}

func (l Layout) SkeletonPath(stem string) string {
	return filepath.Join(l.VaultData, stem+"_skeleton.json")
}

func (l Layout) SubtitlePath(stem string) string {
	return filepath.Join(l.VaultData, stem+".srt")
}

func (l Layout) ApprovedPath(stem string) string {
	return filepath.Join(l.Translated, stem+"_approved.json")
}

func (l Layout) DeliveryPath(stem, ext string) string {
	return filepath.Join(l.Delivery, stem+ext)
}

func (l Layout) ErrorDir(stem string) string {
	return filepath.Join(l.Errors, stem)
}

func (l Layout) JobLogPath(stem string) string {
	return filepath.Join(l.VaultData, stem+".log")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
