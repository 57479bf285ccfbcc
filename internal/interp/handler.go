package interp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"symfleet/internal/config"
	"symfleet/pkg/logger"
)

// Handler owns one node's output directory and test-case emission. The
// directory name is the configured base with a numeric suffix; ranks race
// for indices by probing mkdir until one succeeds, so concurrent nodes
// land on distinct directories.
type Handler struct {
	opts *config.Options
	rank int
	log  *zap.Logger

	dir  string // created directory, "<base><index>"
	base string

	info      *os.File
	messages  *os.File
	warnings  *os.File
	testIndex int
}

// TestObject is one symbolic input in a test case.
type TestObject struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// TestCase carries everything the handler may persist for one completed
// path. Optional sections are emitted only when the matching write flag is
// set.
type TestCase struct {
	Objects     []TestObject
	Error       string // reportable error message, empty for a clean path
	ErrorSuffix string // file suffix for the error report, e.g. "assert.err"
	Constraints map[string]string
	Coverage    map[string][]uint32
	Path        []byte
	SymPath     []byte
}

// NewHandler creates the node's output directory and opens its streams.
func NewHandler(opts *config.Options, rank int) (*Handler, error) {
	h := &Handler{
		opts: opts,
		rank: rank,
		log:  logger.ForRank(rank),
	}

	for i := 0; ; i++ {
		dir := opts.OutputDir + strconv.Itoa(i)
		err := os.Mkdir(dir, 0o775)
		if err == nil {
			h.dir = dir
			h.base = dir
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create output directory %s: %w", dir, err)
		}
	}
	h.log.Info("output directory created", zap.String("dir", h.dir))

	var err error
	if h.warnings, err = os.Create(h.filename("warnings.txt")); err != nil {
		return nil, fmt.Errorf("open warnings.txt: %w", err)
	}
	if h.messages, err = os.Create(h.filename("messages.txt")); err != nil {
		return nil, fmt.Errorf("open messages.txt: %w", err)
	}
	if h.info, err = os.Create(h.filename("info")); err != nil {
		return nil, fmt.Errorf("open info: %w", err)
	}
	return h, nil
}

// OutputDir returns the created directory path.
func (h *Handler) OutputDir() string { return h.dir }

// NumTestCases returns how many test cases were written so far.
func (h *Handler) NumTestCases() int { return h.testIndex }

func (h *Handler) filename(name string) string {
	return filepath.Join(h.dir, name)
}

// TestFilename returns the conventional per-test file name.
func (h *Handler) TestFilename(suffix string, id int) string {
	return h.filename(fmt.Sprintf("test%06d.%s", id, suffix))
}

// Aux paths live next to the directory, not inside it, named after it; the
// path dump additionally carries the rank.

// BrHistPath is the branch-history side file.
func (h *Handler) BrHistPath() string { return h.base + "_br_hist" }

// LogFilePath is the engine's own log side file.
func (h *Handler) LogFilePath() string { return h.base + "_log_file" }

// PathFilePath is the per-rank path dump side file.
func (h *Handler) PathFilePath() string {
	return h.base + "_pathFile_" + strconv.Itoa(h.rank)
}

// InfoWriter exposes the info stream for run headers and summaries.
func (h *Handler) InfoWriter() *os.File { return h.info }

// Message appends a line to messages.txt. IO failures are logged, never
// fatal.
func (h *Handler) Message(format string, args ...any) {
	if h.messages != nil {
		fmt.Fprintf(h.messages, format+"\n", args...)
	}
}

// Warning appends a line to warnings.txt and mirrors it to the log.
func (h *Handler) Warning(format string, args ...any) {
	if h.warnings != nil {
		fmt.Fprintf(h.warnings, format+"\n", args...)
	}
	h.log.Sugar().Warnf(format, args...)
}

// WriteAssembly persists the program listing.
func (h *Handler) WriteAssembly(listing []byte) {
	if err := os.WriteFile(h.filename("assembly.ll"), listing, 0o644); err != nil {
		h.Warning("cannot write assembly.ll: %v", err)
	}
}

// ProcessTestCase emits every file describing a completed path, honouring
// the configured write flags. Returns the assigned test id.
func (h *Handler) ProcessTestCase(tc TestCase) (int, error) {
	h.testIndex++
	id := h.testIndex
	if h.opts.NoOutput {
		return id, nil
	}
	start := time.Now()

	ktest := struct {
		Args    []string     `json:"args"`
		Objects []TestObject `json:"objects"`
	}{
		Args:    append([]string{h.opts.InputFile}, h.opts.ProgramArgs...),
		Objects: tc.Objects,
	}
	data, err := sonic.Marshal(&ktest)
	if err != nil {
		return id, fmt.Errorf("encode test case %d: %w", id, err)
	}
	if err := os.WriteFile(h.TestFilename("ktest", id), data, 0o644); err != nil {
		h.Warning("unable to write test case %d, losing it: %v", id, err)
	}

	if tc.Error != "" {
		suffix := tc.ErrorSuffix
		if suffix == "" {
			suffix = "err"
		}
		h.writeOptional(suffix, id, []byte(tc.Error))
	}

	if tc.Error != "" || h.opts.WriteKQueries {
		h.writeOptional("kquery", id, []byte(tc.Constraints["kquery"]))
	}
	if h.opts.WriteCVCs {
		h.writeOptional("cvc", id, []byte(tc.Constraints["cvc"]))
	}
	if h.opts.WriteSMT2s {
		h.writeOptional("smt2", id, []byte(tc.Constraints["smt2"]))
	}
	if h.opts.WritePaths && tc.Path != nil {
		h.writeOptional("path", id, branchLines(tc.Path))
	}
	if h.opts.WriteSymPaths && tc.SymPath != nil {
		h.writeOptional("sym.path", id, branchLines(tc.SymPath))
	}
	if h.opts.WriteCov {
		var buf []byte
		for file, lines := range tc.Coverage {
			for _, line := range lines {
				buf = append(buf, fmt.Sprintf("%s:%d\n", file, line)...)
			}
		}
		h.writeOptional("cov", id, buf)
	}
	if h.opts.WriteTestInfo {
		info := fmt.Sprintf("Time to generate test case: %s\n", time.Since(start))
		h.writeOptional("info", id, []byte(info))
	}
	return id, nil
}

func (h *Handler) writeOptional(suffix string, id int, data []byte) {
	if err := os.WriteFile(h.TestFilename(suffix, id), data, 0o644); err != nil {
		h.Warning("cannot write test%06d.%s: %v", id, suffix, err)
	}
}

// branchLines renders a branch sequence one symbol per line.
func branchLines(path []byte) []byte {
	out := make([]byte, 0, len(path)*2)
	for _, b := range path {
		out = append(out, b, '\n')
	}
	return out
}

// Close flushes and closes the output streams.
func (h *Handler) Close() {
	for _, f := range []*os.File{h.info, h.messages, h.warnings} {
		if f != nil {
			_ = f.Close()
		}
	}
}
