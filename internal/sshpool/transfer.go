package sshpool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/sync/errgroup"
)

// Summary describes a finished tree transfer.
type Summary struct {
	Files int
	Bytes int64
}

func (s Summary) String() string {
	return fmt.Sprintf("%d files, %d bytes", s.Files, s.Bytes)
}

func (p *Pool) sftpFor(ctx context.Context, ep Endpoint) (*sftp.Client, error) {
	conn, err := p.Get(ctx, ep)
	if err != nil {
		return nil, err
	}
	client, err := conn.SFTP()
	if err != nil {
		p.Invalidate(ep)
		return nil, err
	}
	return client, nil
}

// Mkdir creates dir and its parents on ep.
func (p *Pool) Mkdir(ctx context.Context, ep Endpoint, dir string) error {
	client, err := p.sftpFor(ctx, ep)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("mkdir %s on %s: %w", dir, ep, err)
	}
	return nil
}

// UploadTree copies the local directory tree into remote on ep.
func (p *Pool) UploadTree(ctx context.Context, ep Endpoint, local, remote string) (Summary, error) {
	client, err := p.sftpFor(ctx, ep)
	if err != nil {
		return Summary{}, err
	}
	return uploadTree(ctx, client, local, remote, p.opts.TransferConcurrency)
}

// UploadFile copies one local file to remote on ep, creating its parent.
func (p *Pool) UploadFile(ctx context.Context, ep Endpoint, local, remote string) error {
	client, err := p.sftpFor(ctx, ep)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	_, err = putFile(client, local, remote)
	return err
}

// DownloadTree copies the remote directory tree on ep into local.
func (p *Pool) DownloadTree(ctx context.Context, ep Endpoint, remote, local string) (Summary, error) {
	client, err := p.sftpFor(ctx, ep)
	if err != nil {
		return Summary{}, err
	}
	return downloadTree(ctx, client, remote, local, p.opts.TransferConcurrency)
}

func uploadTree(ctx context.Context, client *sftp.Client, local, remote string, limit int) (Summary, error) {
	type job struct{ src, dst string }
	var jobs []job

	err := filepath.WalkDir(local, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		dst := path.Join(remote, filepath.ToSlash(rel))
		if d.IsDir() {
			return client.MkdirAll(dst)
		}
		if d.Type().IsRegular() {
			jobs = append(jobs, job{src: p, dst: dst})
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("upload %s: %w", local, err)
	}

	var files, bytes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := putFile(client, j.src, j.dst)
			if err != nil {
				return err
			}
			files.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	err = g.Wait()
	return Summary{Files: int(files.Load()), Bytes: bytes.Load()}, err
}

func putFile(client *sftp.Client, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := client.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create remote %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("write remote %s: %w", dst, err)
	}
	return n, out.Close()
}

func downloadTree(ctx context.Context, client *sftp.Client, remote, local string, limit int) (Summary, error) {
	type job struct{ src, dst string }
	var jobs []job

	var walk func(src, dst string) error
	walk = func(src, dst string) error {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		infos, err := client.ReadDir(src)
		if err != nil {
			return err
		}
		for _, info := range infos {
			s, d := path.Join(src, info.Name()), filepath.Join(dst, info.Name())
			switch {
			case info.IsDir():
				if err := walk(s, d); err != nil {
					return err
				}
			case info.Mode().IsRegular():
				jobs = append(jobs, job{src: s, dst: d})
			}
		}
		return nil
	}
	if err := walk(remote, local); err != nil {
		return Summary{}, fmt.Errorf("download %s: %w", remote, err)
	}

	var files, bytes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for _, j := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := getFile(client, j.src, j.dst)
			if err != nil {
				return err
			}
			files.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	err := g.Wait()
	return Summary{Files: int(files.Load()), Bytes: bytes.Load()}, err
}

func getFile(client *sftp.Client, src, dst string) (int64, error) {
	in, err := client.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open remote %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("read remote %s: %w", src, err)
	}
	return n, out.Close()
}
