package upgrade

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type TLSConfig struct {
	Name   string
	Config *tls.Config
}

var regexNum = regexp.MustCompile(`^\d+`)

// sqlFile is one NNNN_name.sql file.
type sqlFile struct {
	name    string
	version int
}

// readDir collects the sql files in the root of fsys.
func readDir(fsys fs.FS) ([]sqlFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "read dir")
	}
	var files []sqlFile
	for _, e := range entries {
		// Skip directories and hidden files
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		// Skip any non-sql files
		if path.Ext(e.Name()) != ".sql" {
			continue
		}
		num := regexNum.FindString(e.Name())
		v, err := strconv.Atoi(num)
		if err != nil {
			return nil, errors.Wrapf(err, "parse version in file %s", e.Name())
		}
		files = append(files, sqlFile{name: e.Name(), version: v})
	}
	return files, nil
}

// sortFiles orders the files by number, ensuring that something like 1.sql,
// 2.sql, 10.sql is correct.
func sortFiles(files []sqlFile) error {
	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	for i := 1; i < len(files); i++ {
		if files[i].version == files[i-1].version {
			return fmt.Errorf("cannot have duplicate version: %d (%s, %s)",
				files[i].version, files[i-1].name, files[i].name)
		}
	}
	return nil
}

// LoadSQLChain builds a chain from the sql files in fsys. A file named
// 0048_add_units.sql is the step producing version 48. The chain's baseline
// is the version before the first file.
func LoadSQLChain(fsys fs.FS, c Counter) (*Chain, error) {
	steps, err := LoadSQLSteps(fsys)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, errors.New("no sql files found (might be the wrong dir)")
	}
	return NewChain(c, steps[0].From, steps...), nil
}

// LoadSQLSteps reads the sql files in fsys, one step per file. The returned
// steps are sorted but not validated.
func LoadSQLSteps(fsys fs.FS) ([]Step, error) {
	files, err := readDir(fsys)
	if err != nil {
		return nil, err
	}
	if err = sortFiles(files); err != nil {
		return nil, errors.Wrap(err, "sort")
	}
	steps := make([]Step, 0, len(files))
	for _, fi := range files {
		byt, err := fs.ReadFile(fsys, fi.name)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", fi.name)
		}
		checksum, err := computeChecksum(bytes.NewReader(byt))
		if err != nil {
			return nil, errors.Wrap(err, "compute file checksum")
		}
		s := Statements(fi.version-1, fi.name, splitStatements(string(byt))...)
		s.Checksum = checksum
		steps = append(steps, s)
	}
	return steps, nil
}

// LoadSQLDir is LoadSQLChain over a directory on disk.
func LoadSQLDir(dir string, c Counter) (*Chain, error) {
	return LoadSQLChain(os.DirFS(dir), c)
}

// Statements is a step running each statement in turn. Progress is
// checkpointed after every statement, so a step interrupted part way
// resumes after the last statement that completed.
func Statements(from int, name string, stmts ...string) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		return execStatements(ctx, env, stmts)
	})
}

func splitStatements(sql string) []string {
	var cmds []string
	for _, cmd := range strings.Split(sql, ";") {
		cmd = strings.TrimSpace(stripComments(cmd))
		if len(cmd) > 0 {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// stripComments drops whole-line "--" comments.
func stripComments(cmd string) string {
	lines := strings.Split(cmd, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func execStatements(ctx context.Context, env *Env, cmds []string) error {
	name, version := env.Step.Name, env.Step.To

	// Get our checkpoints, if any
	checkpoints, err := env.Store.GetCheckpoints(ctx, env.Counter, version)
	if err != nil {
		return errors.Wrap(err, "get checkpoints")
	}
	if len(checkpoints) > 0 {
		env.Log.Info("Resuming from checkpoint", zap.Int("checkpoints", len(checkpoints)))
	}

	// Ensure commands weren't deleted after we ran them
	if len(checkpoints) > len(cmds) {
		return fmt.Errorf("len(checkpoints) %d > len(cmds) %d",
			len(checkpoints), len(cmds))
	}

	for i, cmd := range cmds {
		checksum, err := computeChecksum(strings.NewReader(cmd))
		if err != nil {
			return errors.Wrap(err, "compute checksum")
		}

		// Confirm the step up to our checkpoint has not changed
		if i < len(checkpoints) {
			if checksum != checkpoints[i] {
				return fmt.Errorf("checksum does not equal checkpoint. has %s (cmd %d) changed?",
					name, i)
			}
			continue
		}

		// Execute non-checkpointed commands one by one
		if _, err = env.DB.ExecContext(ctx, cmd); err != nil {
			env.Log.Error("Statement failed", zap.Int("cmd", i), zap.String("sql", cmd))
			return errors.Wrapf(err, "%s cmd %d", name, i)
		}
		if err = env.Store.InsertCheckpoint(ctx, env.Counter, version, i, checksum); err != nil {
			return errors.Wrap(err, "insert checkpoint")
		}
	}
	return nil
}

func computeChecksum(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func NewTLSConfig(name, keyPath, certPath, caPath, serverName string) (*TLSConfig, error) {
	rootCertPool := x509.NewCertPool()
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrap(err, "read sql server cert file")
	}
	if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
		return nil, errors.New("failed to append to pem")
	}
	certs, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load x509 key pair")
	}
	clientCert := []tls.Certificate{certs}
	conf := &TLSConfig{
		Name:   name,
		Config: &tls.Config{
			RootCAs:      rootCertPool,
			Certificates: clientCert,
			ServerName:   serverName,
		},
	}
	return conf, nil
}
