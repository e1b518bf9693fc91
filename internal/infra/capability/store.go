package capability

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"magictunnel/internal/domain"
	"magictunnel/internal/infra/envutil"
	"magictunnel/internal/infra/fsutil"
)

// Store reads and edits capability files. Edits to one path are serialized.
type Store struct {
	logger *zap.Logger
	locks  sync.Map
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger.Named("capability_store")}
}

// LoadFile reads, expands and validates a capability file.
func (s *Store) LoadFile(path string) (domain.CapabilityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.load", &Error{Kind: ErrorFileIO, Path: path, Err: err})
	}
	expanded, missing, err := envutil.ExpandYAML(data)
	if err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.load", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	if len(missing) > 0 {
		s.logger.Warn("capability file references unset environment variables",
			zap.String("path", path),
			zap.Strings("variables", missing),
		)
	}
	file, err := Decode(expanded)
	if err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.load", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	if err := Validate(file); err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.load", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	return file, nil
}

// SaveFile writes file in the canonical legacy layout.
func (s *Store) SaveFile(path string, file domain.CapabilityFile) error {
	unlock := s.lock(path)
	defer unlock()
	return s.write(path, file)
}

// LoadAll loads every file under roots. Tools keep file order; a name seen twice keeps its first definition.
func (s *Store) LoadAll(roots []string) ([]domain.Tool, error) {
	paths, err := DiscoverPaths(roots)
	if err != nil {
		return nil, err
	}
	var (
		tools []domain.Tool
		errs  []error
	)
	seen := make(map[string]string)
	for _, path := range paths {
		file, err := s.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, tool := range file.Tools {
			if owner, dup := seen[tool.Name]; dup {
				s.logger.Warn("duplicate local tool ignored",
					zap.String("tool", tool.Name),
					zap.String("path", path),
					zap.String("kept", owner),
				)
				continue
			}
			seen[tool.Name] = path
			tools = append(tools, tool)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tools, nil
}

func (s *Store) SetToolHidden(path, name string, hidden bool) (bool, error) {
	return s.edit(path, name, func(tool *domain.Tool) bool {
		if tool.Hidden == hidden {
			return false
		}
		tool.Hidden = hidden
		return true
	})
}

func (s *Store) SetToolEnabled(path, name string, enabled bool) (bool, error) {
	return s.edit(path, name, func(tool *domain.Tool) bool {
		if tool.Enabled == enabled {
			return false
		}
		tool.Enabled = enabled
		return true
	})
}

func (s *Store) SetAllHidden(path string, hidden bool) (bool, error) {
	return s.edit(path, "", func(tool *domain.Tool) bool {
		if tool.Hidden == hidden {
			return false
		}
		tool.Hidden = hidden
		return true
	})
}

func (s *Store) SetAllEnabled(path string, enabled bool) (bool, error) {
	return s.edit(path, "", func(tool *domain.Tool) bool {
		if tool.Enabled == enabled {
			return false
		}
		tool.Enabled = enabled
		return true
	})
}

// FindTool returns the first file under roots that defines name.
func (s *Store) FindTool(roots []string, name string) (string, error) {
	paths, err := DiscoverPaths(roots)
	if err != nil {
		return "", err
	}
	for _, path := range paths {
		file, err := s.readRaw(path)
		if err != nil {
			s.logger.Debug("skip unreadable capability file", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, _, ok := file.Tool(name); ok {
			return path, nil
		}
	}
	return "", wrapErr("capability.find", &Error{Kind: ErrorNotFound, Tool: name, Err: domain.ErrToolNotFound})
}

// edit applies mutate to the named tool, or to every tool when name is empty.
// Only the changed flags are rewritten in the YAML tree; env references,
// comments and unknown keys are kept verbatim.
func (s *Store) edit(path, name string, mutate func(*domain.Tool) bool) (bool, error) {
	unlock := s.lock(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return false, wrapErr("capability.edit", &Error{Kind: ErrorFileIO, Path: path, Err: err})
	}
	file, err := Decode(data)
	if err != nil {
		return false, wrapErr("capability.edit", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	doc, err := parseDocument(data)
	if err != nil {
		return false, wrapErr("capability.edit", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	if len(doc.tools) != len(file.Tools) {
		return false, wrapErr("capability.edit", &Error{Kind: ErrorParse, Path: path, Err: errors.New("tool list is not editable")})
	}

	var indexes []int
	if name != "" {
		_, idx, ok := file.Tool(name)
		if !ok {
			return false, wrapErr("capability.edit", &Error{Kind: ErrorNotFound, Path: path, Tool: name, Err: domain.ErrToolNotFound})
		}
		indexes = []int{idx}
	} else {
		for i := range file.Tools {
			indexes = append(indexes, i)
		}
	}

	changed := false
	for _, i := range indexes {
		tool := file.Tools[i]
		if !mutate(&tool) {
			continue
		}
		if err := doc.setAccess(i, tool.Hidden, tool.Enabled); err != nil {
			return false, wrapErr("capability.edit", &Error{Kind: ErrorParse, Path: path, Err: err})
		}
		changed = true
	}
	if !changed {
		return false, nil
	}

	out, err := doc.encode()
	if err != nil {
		return false, wrapErr("capability.save", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	if err := fsutil.WriteFileAtomic(path, out); err != nil {
		return false, wrapErr("capability.save", &Error{Kind: ErrorFileIO, Path: path, Err: err})
	}
	s.logger.Info("capability file updated", zap.String("path", path), zap.String("tool", name))
	return true, nil
}

func (s *Store) readRaw(path string) (domain.CapabilityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.read", &Error{Kind: ErrorFileIO, Path: path, Err: err})
	}
	file, err := Decode(data)
	if err != nil {
		return domain.CapabilityFile{}, wrapErr("capability.read", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	return file, nil
}

func (s *Store) write(path string, file domain.CapabilityFile) error {
	data, err := Encode(file)
	if err != nil {
		return wrapErr("capability.save", &Error{Kind: ErrorParse, Path: path, Err: err})
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return wrapErr("capability.save", &Error{Kind: ErrorFileIO, Path: path, Err: err})
	}
	return nil
}

func (s *Store) lock(path string) func() {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	value, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func wrapErr(op string, err *Error) error {
	code := domain.CodeRegistry
	if errors.Is(err, domain.ErrInvalidSchema) || errors.Is(err, domain.ErrInvalidToolName) {
		code = domain.CodeValidation
	}
	return domain.E(code, op, err.Error(), err)
}

// IsNotFound reports whether err is a missing-tool failure.
func IsNotFound(err error) bool {
	var capErr *Error
	return errors.As(err, &capErr) && capErr.Kind == ErrorNotFound
}
