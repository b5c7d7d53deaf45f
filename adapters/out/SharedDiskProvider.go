/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package out

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
)

// SharedDiskProvider moves oversized bodies over an RWX volume. The file
// name is the task id, so the writer and the reader never collide. The
// reader deletes the file after the verdict on every path.
type SharedDiskProvider struct {
	fs        afero.Fs
	dir       string
	name      string
	chunkSize int
	writer    afero.File
}

func NewSharedDiskProvider(fs afero.Fs, dir, name string, chunkSize int) *SharedDiskProvider {
	return &SharedDiskProvider{fs: fs, dir: dir, name: name, chunkSize: chunkSize}
}

func (p *SharedDiskProvider) path() string {
	return filepath.Join(p.dir, p.name)
}

func (p *SharedDiskProvider) Push(ctx context.Context, chunk []byte) error {
	if p.writer == nil {
		if err := p.fs.MkdirAll(p.dir, 0o750); err != nil {
			return fmt.Errorf("failed to create scan dir. %w", err)
		}

		file, err := p.fs.OpenFile(p.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return fmt.Errorf("failed to create scan file. %w", err)
		}

		p.writer = file
	}

	_, err := p.writer.Write(chunk)

	return err
}

func (p *SharedDiskProvider) FinalizePush(ctx context.Context) error {
	if p.writer == nil {
		// Zero-length body still needs a file for the consumer to open.
		if err := p.Push(ctx, nil); err != nil {
			return err
		}
	}

	err := p.writer.Close()
	p.writer = nil

	return err
}

type diskIterator struct {
	provider *SharedDiskProvider
	file     afero.File
}

func (it *diskIterator) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if it.file == nil {
		file, err := it.provider.fs.Open(it.provider.path())
		if err != nil {
			return nil, err
		}

		it.file = file
	}

	buffer := make([]byte, it.provider.chunkSize)
	n, err := it.file.Read(buffer)

	if n > 0 {
		return buffer[:n], nil
	}

	if err == io.EOF {
		closeErr := it.file.Close()
		it.file = nil
		if closeErr != nil {
			return nil, closeErr
		}

		return nil, io.EOF
	}

	return nil, err
}

func (p *SharedDiskProvider) Chunks(ctx context.Context) portsout.ChunkIterator {
	return &diskIterator{provider: p}
}

func (p *SharedDiskProvider) Finalize(ctx context.Context, success, infected bool) error {
	err := p.fs.Remove(p.path())
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}

func (p *SharedDiskProvider) Mode() entities.ScanMode {
	return entities.ModePath
}

func (p *SharedDiskProvider) ContentRef() string {
	return p.name
}

func (p *SharedDiskProvider) DataKey() string {
	return ""
}
