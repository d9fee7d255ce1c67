package vpk

import (
	"bytes"
	"context"
	"crypto"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the furthest verification phase a package has passed.
type State int

const (
	Unverified State = iota
	SignatureChecked
	ChunkHashesVerified
	FileChecksumsVerified
	Verified
)

func (s State) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case SignatureChecked:
		return "signature checked"
	case ChunkHashesVerified:
		return "chunk hashes verified"
	case FileChecksumsVerified:
		return "file checksums verified"
	case Verified:
		return "verified"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode selects how content is verified after the signature.
type Mode int

const (
	// ModeAuto uses chunk hashes when the package has them, file CRCs otherwise.
	ModeAuto Mode = iota
	ModeChunkHashes
	ModeFileChecksums
)

// ParseMode accepts "auto", "chunks" or "files".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "chunks", "chunk":
		return ModeChunkHashes, nil
	case "files", "crc":
		return ModeFileChecksums, nil
	}
	return 0, fmt.Errorf("unknown verify mode %q", s)
}

// Method records which content check ran.
type Method int

const (
	MethodNone Method = iota
	MethodChunkHashes
	MethodFileChecksums
)

func (m Method) String() string {
	switch m {
	case MethodChunkHashes:
		return "chunk hashes"
	case MethodFileChecksums:
		return "file checksums"
	}
	return "none"
}

// Failure is one entry or chunk that did not verify.
type Failure struct {
	// Path is the entry path, or the chunk file and range for chunk hashes.
	Path string
	Err  error
}

// Report is the outcome of Verify. Err is set for fatal conditions (bad
// signature, bad directory checksums, cancellation); mismatches are listed in
// Failures and never stop the run.
type Report struct {
	State    State
	Method   Method
	Signed   bool
	Checked  int
	Failures []Failure
	Err      error
}

// OK reports whether the package verified completely.
func (r *Report) OK() bool {
	return r.State == Verified && r.Err == nil && len(r.Failures) == 0
}

// ProgressFunc is told how many of total items are done. It may be called
// from several goroutines, but never concurrently.
type ProgressFunc func(done, total int, name string)

func (p *Package) signedRegion() int64 {
	return p.Header.signatureOffset()
}

// VerifySignature validates the directory signature. Unsigned packages pass.
func (p *Package) VerifySignature() error {
	if !p.Signed() {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, err := x509.ParsePKIXPublicKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parsing public key: %v", ErrSignatureInvalid, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: public key is %T, not RSA", ErrSignatureInvalid, key)
	}

	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(p.r, 0, p.signedRegion())); err != nil {
		return fmt.Errorf("hashing signed region: %w", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h.Sum(nil), p.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (p *Package) md5Range(off, n int64) ([16]byte, error) {
	var sum [16]byte
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(p.r, off, n)); err != nil {
		return sum, fmt.Errorf("hashing %d+%d: %w", off, n, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

type directoryCheck struct {
	name     string
	off, n   int64
	expected [16]byte
}

func (p *Package) runChecks(checks ...directoryCheck) error {
	for _, c := range checks {
		sum, err := p.md5Range(c.off, c.n)
		if err != nil {
			return err
		}
		if sum != c.expected {
			return fmt.Errorf("%w: %s checksum is %x, expected %x", ErrChecksumMismatch, c.name, sum, c.expected)
		}
	}
	return nil
}

func (p *Package) hasDirectoryChecksums() bool {
	return p.Header.Version == 2 && p.Header.OtherMD5Size == otherMD5Size
}

// verifyStructure checks the tree and archive MD5 section, which every later
// phase trusts.
func (p *Package) verifyStructure() error {
	h := p.Header
	return p.runChecks(
		directoryCheck{"tree", h.Size(), int64(h.TreeSize), p.TreeChecksum},
		directoryCheck{"archive md5 section", h.archiveMD5Offset(), int64(h.ArchiveMD5Size), p.ArchiveMD5EntriesChecksum},
	)
}

// verifyWholeFile checks everything up to the whole-file checksum itself.
func (p *Package) verifyWholeFile() error {
	return p.runChecks(directoryCheck{"whole file", 0, p.Header.otherMD5Offset() + 32, p.WholeFileChecksum})
}

// directoryChecks returns the structural result and, separately, the
// whole-file result. The whole-file checksum covers embedded entry data, so
// its mismatch is a content failure rather than a fatal one.
func (p *Package) directoryChecks() (structure, wholeFile error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.hasDirectoryChecksums() {
		return nil, nil
	}
	if err := p.verifyStructure(); err != nil {
		return err, nil
	}
	return nil, p.verifyWholeFile()
}

// VerifyHashes checks the tree, archive MD5 section and whole-file checksums
// stored in the directory. Packages without them pass.
func (p *Package) VerifyHashes() error {
	structure, wholeFile := p.directoryChecks()
	if structure != nil {
		return structure
	}
	return wholeFile
}

// VerifyChunkHashes hashes every listed chunk range once. Each chunk file is
// opened once for all of its ranges.
func (p *Package) VerifyChunkHashes(ctx context.Context, progress ProgressFunc) ([]Failure, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byArchive := make(map[uint32][]ChunkHash)
	var order []uint32
	for _, c := range p.ArchiveMD5 {
		if _, ok := byArchive[c.ArchiveIndex]; !ok {
			order = append(order, c.ArchiveIndex)
		}
		byArchive[c.ArchiveIndex] = append(byArchive[c.ArchiveIndex], c)
	}

	var failures []Failure
	done, total := 0, len(p.ArchiveMD5)
	for _, index := range order {
		hashes := byArchive[index]
		name := p.chunkName(index)

		r, base, closer, err := p.archive(uint16(index))
		if err != nil {
			for _, c := range hashes {
				failures = append(failures, Failure{Path: chunkLabel(name, c), Err: err})
			}
			done += len(hashes)
			continue
		}

		for _, c := range hashes {
			if err := ctx.Err(); err != nil {
				if closer != nil {
					closer.Close()
				}
				return failures, err
			}

			h := md5.New()
			n, err := io.Copy(h, io.NewSectionReader(r, base+int64(c.Offset), int64(c.Length)))
			switch {
			case err != nil:
				failures = append(failures, Failure{Path: chunkLabel(name, c), Err: err})
			case n != int64(c.Length):
				failures = append(failures, Failure{Path: chunkLabel(name, c), Err: corrupt("chunk truncated at %d bytes", n)})
			case !bytes.Equal(h.Sum(nil), c.Checksum[:]):
				failures = append(failures, Failure{
					Path: chunkLabel(name, c),
					Err:  fmt.Errorf("%w: md5 %x, expected %x", ErrChecksumMismatch, h.Sum(nil), c.Checksum),
				})
			}

			done++
			if progress != nil {
				progress(done, total, name)
			}
		}

		if closer != nil {
			closer.Close()
		}
	}
	return failures, nil
}

func (p *Package) chunkName(index uint32) string {
	if uint16(index) == EmbeddedArchive {
		if p.FileName == "" {
			return "embedded"
		}
		return p.FileName
	}
	return p.ChunkPath(uint16(index))
}

func chunkLabel(name string, c ChunkHash) string {
	return fmt.Sprintf("%s@%d+%d", name, c.Offset, c.Length)
}

// VerifyFileChecksums recomputes the CRC32 of every entry. Entries are read
// in parallel; each read opens its own chunk file.
func (p *Package) VerifyFileChecksums(ctx context.Context, progress ProgressFunc) ([]Failure, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var all []*Entry
	for _, list := range p.entries {
		all = append(all, list...)
	}

	var (
		mu       sync.Mutex
		failures []Failure
		done     int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, e := range all {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := p.readEntry(e)
			if err == nil {
				if sum := crc32.ChecksumIEEE(data); sum != e.CRC32 {
					err = fmt.Errorf("%w: crc %08x, expected %08x", ErrChecksumMismatch, sum, e.CRC32)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, Failure{Path: e.FullPath(), Err: err})
			}
			done++
			if progress != nil {
				progress(done, len(all), e.FullPath())
			}
			return nil
		})
	}

	err := g.Wait()
	slices.SortFunc(failures, func(a, b Failure) int {
		return strings.Compare(a.Path, b.Path)
	})
	return failures, err
}

// Verify runs the verification state machine. A bad signature or directory
// checksum stops it; content mismatches are collected.
func (p *Package) Verify(ctx context.Context, mode Mode, progress ProgressFunc) *Report {
	report := &Report{State: Unverified, Signed: p.Signed()}

	if err := p.VerifySignature(); err != nil {
		report.Err = err
		return report
	}
	report.State = SignatureChecked

	structure, wholeFile := p.directoryChecks()
	if structure != nil {
		report.Err = structure
		return report
	}

	useChunks := mode == ModeChunkHashes || (mode == ModeAuto && len(p.ArchiveMD5) > 0)
	if useChunks && len(p.ArchiveMD5) == 0 {
		slog.Debug("Package has no chunk hashes, falling back to file checksums", "path", p.FileName)
		useChunks = false
	}

	var err error
	if useChunks {
		report.Method = MethodChunkHashes
		report.Checked = len(p.ArchiveMD5)
		report.Failures, err = p.VerifyChunkHashes(ctx, progress)
		report.State = ChunkHashesVerified
	} else {
		report.Method = MethodFileChecksums
		report.Checked = p.Len()
		report.Failures, err = p.VerifyFileChecksums(ctx, progress)
		report.State = FileChecksumsVerified
	}

	if wholeFile != nil {
		report.Failures = append(report.Failures, Failure{Path: p.chunkName(uint32(EmbeddedArchive)), Err: wholeFile})
	}
	if err != nil {
		report.Err = err
		return report
	}
	if len(report.Failures) == 0 {
		report.State = Verified
	}

	slog.Debug("Verified package",
		"path", p.FileName,
		"method", report.Method,
		"checked", report.Checked,
		"failures", len(report.Failures))

	return report
}

// FailureErrors joins the failures into one error, or nil.
func (r *Report) FailureErrors() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Path, f.Err))
	}
	return errors.Join(errs...)
}
