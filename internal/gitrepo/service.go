package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"livecode/api/internal/collab"
	"livecode/api/internal/store"
	"livecode/api/internal/util"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrInvalidPath        = errors.New("invalid file path")
)

// Service keeps one working git repository per repository id under baseDir.
type Service struct {
	baseDir string
	author  string
	locks   util.KeyedMutex
}

func New(baseDir, author string) *Service {
	if strings.TrimSpace(author) == "" {
		author = "LiveCode"
	}
	return &Service{
		baseDir: baseDir,
		author:  author,
	}
}

// EnsureRepository initializes an empty repository on branch main with a
// baseline commit. It reports whether the repository was created.
func (s *Service) EnsureRepository(repositoryID string) (bool, error) {
	path, err := s.repoPath(repositoryID)
	if err != nil {
		return false, err
	}
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return false, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Commit("Initialize repository", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(),
	}); err != nil {
		return false, fmt.Errorf("commit baseline: %w", err)
	}
	return true, nil
}

// LoadInitialContent returns the committed content of filePath at HEAD. A file
// that was never committed has empty content.
func (s *Service) LoadInitialContent(ctx context.Context, repositoryID, filePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	repo, err := s.open(repositoryID)
	if err != nil {
		return "", err
	}
	name, err := cleanPath(filePath)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(name)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return content, nil
}

// Stage writes content into the working tree and adds it to the index.
func (s *Service) Stage(ctx context.Context, repositoryID, filePath, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	repo, err := s.open(repositoryID)
	if err != nil {
		return err
	}
	name, err := cleanPath(filePath)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return fmt.Errorf("git add %s: %w", name, err)
	}
	return nil
}

// Commit records the index as a new commit on HEAD. When nothing is staged it
// returns the current HEAD commit instead of creating an empty one.
func (s *Service) Commit(ctx context.Context, repositoryID, message string) (collab.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return collab.CommitResult{}, err
	}
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	repo, err := s.open(repositoryID)
	if err != nil {
		return collab.CommitResult{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return collab.CommitResult{}, fmt.Errorf("open worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return collab.CommitResult{}, fmt.Errorf("worktree status: %w", err)
	}

	var hash plumbing.Hash
	if !hasStagedChanges(status) {
		head, err := repo.Head()
		if err != nil {
			return collab.CommitResult{}, fmt.Errorf("resolve HEAD: %w", err)
		}
		hash = head.Hash()
	} else {
		hash, err = worktree.Commit(message, &git.CommitOptions{Author: s.signature()})
		if err != nil {
			return collab.CommitResult{}, fmt.Errorf("commit content: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return collab.CommitResult{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	return collab.CommitResult{Hash: info.Hash, CommittedAt: info.CreatedAt}, nil
}

func (s *Service) History(repositoryID string, limit int) ([]store.CommitInfo, error) {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	repo, err := s.open(repositoryID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, max(limit, 0))
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) open(repositoryID string) (*git.Repository, error) {
	path, err := s.repoPath(repositoryID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repositoryID)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(repositoryID string) (string, error) {
	if repositoryID == "" || repositoryID == "." || repositoryID == ".." ||
		strings.ContainsAny(repositoryID, `/\`) {
		return "", fmt.Errorf("%w: repository id %q", ErrInvalidPath, repositoryID)
	}
	return filepath.Join(s.baseDir, repositoryID), nil
}

func (s *Service) signature() *object.Signature {
	return &object.Signature{
		Name:  s.author,
		Email: fmt.Sprintf("%s@livecode.local", sanitizeEmail(s.author)),
		When:  time.Now(),
	}
}

func hasStagedChanges(status git.Status) bool {
	for _, file := range status {
		if file.Staging != git.Unmodified && file.Staging != git.Untracked {
			return true
		}
	}
	return false
}

// cleanPath keeps file paths inside the repository and out of .git.
func cleanPath(filePath string) (string, error) {
	name := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+filePath)), "/")
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filePath)
	}
	if name == ".git" || strings.HasPrefix(name, ".git/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filePath)
	}
	return name, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
