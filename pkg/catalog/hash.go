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

package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

const hashBufferSize = 1 << 20

// HashFile computes the SHA-256 of the file at path, reading it in 1 MiB
// chunks. Returns the lowercase hex digest and the number of bytes read. The
// context is checked between chunks so hashing a multi-gigabyte file stays
// cancelable.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	buf := make([]byte, hashBufferSize)

	var size int64
	for {
		if err = ctx.Err(); err != nil {
			return "", 0, err
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			size += int64(n)
			_, _ = h.Write(buf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", 0, fmt.Errorf("read file: %w", rerr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}
