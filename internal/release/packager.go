// Package release cross-compiles castbridge and packages the binaries
// into versioned archives with a checksum manifest.
package release

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const productName = "castbridge"

type Target struct {
	GOOS   string
	GOARCH string
}

func (t Target) String() string { return t.GOOS + "/" + t.GOARCH }

type Artifact struct {
	Target      Target
	ArchiveName string
	ArchivePath string
}

type Options struct {
	OutDir   string
	RepoRoot string
	Version  string
	Targets  []Target
}

var DefaultTargets = []Target{
	{GOOS: "linux", GOARCH: "amd64"},
	{GOOS: "linux", GOARCH: "arm64"},
	{GOOS: "darwin", GOARCH: "amd64"},
	{GOOS: "darwin", GOARCH: "arm64"},
	{GOOS: "windows", GOARCH: "amd64"},
}

// BuildArtifacts builds every target and writes one archive per target
// plus a SHA256SUMS manifest into OutDir. OutDir is recreated from scratch.
func BuildArtifacts(ctx context.Context, opts Options) ([]Artifact, error) {
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("out dir is required")
	}
	if strings.TrimSpace(opts.RepoRoot) == "" {
		return nil, fmt.Errorf("repo root is required")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return nil, fmt.Errorf("version is required")
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = DefaultTargets
	}

	repoRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, fmt.Errorf("resolve out dir: %w", err)
	}

	if err := os.RemoveAll(outDir); err != nil {
		return nil, fmt.Errorf("clean out dir: %w", err)
	}
	stageRoot := filepath.Join(outDir, ".stage")
	if err := os.MkdirAll(stageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}
	defer os.RemoveAll(stageRoot)

	var artifacts []Artifact
	for _, target := range targets {
		artifact, err := buildTarget(ctx, repoRoot, stageRoot, outDir, opts.Version, target)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
		artifacts = append(artifacts, artifact)
	}

	if err := writeChecksums(outDir, artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func buildTarget(ctx context.Context, repoRoot, stageRoot, outDir, version string, target Target) (Artifact, error) {
	pkgName := fmt.Sprintf("%s_%s_%s_%s", productName, version, target.GOOS, target.GOARCH)
	pkgDir := filepath.Join(stageRoot, pkgName)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return Artifact{}, err
	}

	binName := productName
	if target.GOOS == "windows" {
		binName += ".exe"
	}
	if err := compile(ctx, repoRoot, target, version, filepath.Join(pkgDir, binName)); err != nil {
		return Artifact{}, err
	}

	// README ships in every archive; missing docs are not fatal.
	_ = copyFile(filepath.Join(repoRoot, "README.md"), filepath.Join(pkgDir, "README.md"))

	ext := ".tar.gz"
	if target.GOOS == "windows" {
		ext = ".zip"
	}
	archiveName := pkgName + ext
	archivePath := filepath.Join(outDir, archiveName)

	var archiveErr error
	if target.GOOS == "windows" {
		archiveErr = createZip(archivePath, pkgDir)
	} else {
		archiveErr = createTarGz(archivePath, pkgDir)
	}
	if archiveErr != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", archiveName, archiveErr)
	}

	return Artifact{Target: target, ArchiveName: archiveName, ArchivePath: archivePath}, nil
}

func compile(ctx context.Context, repoRoot string, target Target, version, outPath string) error {
	ldflags := fmt.Sprintf("-s -w -X github.com/castbridge/castbridge/internal/buildinfo.Version=%s", version)
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-ldflags", ldflags, "-o", outPath, ".")
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS="+target.GOOS,
		"GOARCH="+target.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

func createTarGz(archivePath, dir string) error {
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzw := gzip.NewWriter(file)
	defer gzw.Close()
	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return walkPackage(dir, func(rel string, info fs.FileInfo, path string) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyInto(tw, path)
	})
}

func createZip(archivePath, dir string) error {
	file, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	zw := zip.NewWriter(file)
	defer zw.Close()

	return walkPackage(dir, func(rel string, info fs.FileInfo, path string) error {
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = rel
		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}
		writer, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyInto(writer, path)
	})
}

// walkPackage visits every entry under dir with paths made relative to
// dir's parent, so archives unpack into one versioned directory.
func walkPackage(dir string, fn func(rel string, info fs.FileInfo, path string) error) error {
	parent := filepath.Dir(dir)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(rel, info, path)
	})
}

func copyInto(w io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

func writeChecksums(outDir string, artifacts []Artifact) error {
	sorted := append([]Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ArchiveName < sorted[j].ArchiveName
	})

	var b strings.Builder
	for _, artifact := range sorted {
		data, err := os.ReadFile(artifact.ArchivePath)
		if err != nil {
			return fmt.Errorf("read artifact for checksum %s: %w", artifact.ArchiveName, err)
		}
		fmt.Fprintf(&b, "%x  %s\n", sha256.Sum256(data), artifact.ArchiveName)
	}
	if err := os.WriteFile(filepath.Join(outDir, "SHA256SUMS"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write SHA256SUMS: %w", err)
	}
	return nil
}
