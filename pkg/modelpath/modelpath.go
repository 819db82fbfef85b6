/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package modelpath decides where model files may live on disk. Every
// destination handed to the download engine or the aliaser goes through a
// Policy first: unknown folders, path escapes and unexpected file types are
// rejected before anything touches the filesystem.
package modelpath

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Folder names understood by the registry. They match the on-disk layout of
// the studio's model tree.
var modelFolders = map[string]struct{}{
	"checkpoints":      {},
	"loras":            {},
	"vae":              {},
	"controlnet":       {},
	"upscale_models":   {},
	"text_encoders":    {},
	"diffusion_models": {},
	"clip_vision":      {},
	"embeddings":       {},
}

// Legacy folder spellings still found in old workflows.
var legacyFolders = map[string]string{
	"unet": "diffusion_models",
	"clip": "text_encoders",
}

// Extra folders adopted by the migration scan but not valid download targets.
var scanOnlyFolders = []string{"hypernetworks"}

// DefaultExtensions is the closed set of file types the registry accepts.
var DefaultExtensions = []string{
	".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx", ".sft", ".yaml",
}

const (
	registryDirName = ".registry"
	tempDirName     = ".cache/tmp"
)

// InvalidNameError reports a destination rejected by the policy.
type InvalidNameError struct {
	Reason string
}

func (e *InvalidNameError) Error() string {
	return "invalid name: " + e.Reason
}

// Policy validates model folders and filenames and resolves them to absolute
// destinations under a single base directory.
type Policy struct {
	base string
	exts map[string]struct{}
}

// New returns a Policy rooted at base. The base directory must exist: it is
// resolved through symlinks once so later containment checks are stable.
func New(base string, extensions []string) (*Policy, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve base symlinks: %w", err)
	}

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}

	return &Policy{base: resolved, exts: exts}, nil
}

// Base returns the resolved base directory of the model tree.
func (p *Policy) Base() string {
	return p.base
}

// RegistryDir returns the directory holding the catalog database.
func (p *Policy) RegistryDir() string {
	return filepath.Join(p.base, registryDirName)
}

// TempDir returns the staging directory for in-flight downloads. It lives
// under the base so a finished file can be renamed into place atomically.
func (p *Policy) TempDir() string {
	return filepath.Join(p.base, filepath.FromSlash(tempDirName))
}

// Folder normalizes a requested folder name, accepting legacy spellings.
func (p *Policy) Folder(name string) (string, error) {
	folder := strings.ToLower(strings.TrimSpace(name))
	if mapped, ok := legacyFolders[folder]; ok {
		folder = mapped
	}

	if _, ok := modelFolders[folder]; !ok {
		return "", &InvalidNameError{Reason: fmt.Sprintf("unknown model folder %q", name)}
	}

	return folder, nil
}

// Folders returns the download target folders in stable order.
func (p *Policy) Folders() []string {
	folders := make([]string, 0, len(modelFolders))
	for folder := range modelFolders {
		folders = append(folders, folder)
	}
	sort.Strings(folders)

	return folders
}

// ScanFolders returns every folder the migration pass should walk.
func (p *Policy) ScanFolders() []string {
	return append(p.Folders(), scanOnlyFolders...)
}

// Resolve validates folder and filename and returns the absolute destination.
func (p *Policy) Resolve(folder, filename string) (string, error) {
	dir, err := p.Folder(folder)
	if err != nil {
		return "", err
	}

	if err = p.CheckFilename(filename); err != nil {
		return "", err
	}

	dest := filepath.Join(p.base, dir, filename)

	// The folder table and the single-segment filename rule already pin the
	// destination, but a join that escapes the base is never acceptable.
	rel, err := filepath.Rel(p.base, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &InvalidNameError{Reason: fmt.Sprintf("destination %q escapes the model directory", filename)}
	}

	return dest, nil
}

// CheckFilename enforces the single-segment filename rule.
func (p *Policy) CheckFilename(filename string) error {
	name := strings.TrimSpace(filename)

	switch {
	case name == "":
		return &InvalidNameError{Reason: "empty filename"}
	case strings.ContainsAny(name, `/\`):
		return &InvalidNameError{Reason: fmt.Sprintf("filename %q must not contain path separators", filename)}
	case name != filepath.Base(name):
		return &InvalidNameError{Reason: fmt.Sprintf("filename %q must be a single path segment", filename)}
	case strings.HasPrefix(name, "."):
		return &InvalidNameError{Reason: fmt.Sprintf("filename %q must not start with a dot", filename)}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := p.exts[ext]; !ok {
		return &InvalidNameError{Reason: fmt.Sprintf("file type %q is not allowed", ext)}
	}

	return nil
}
