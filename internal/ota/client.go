package ota

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Digest returns the hex md5 of r and its length.
func Digest(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Upload pushes an image to a Receiver at addr. It returns once the
// receiver reports the image applied.
func Upload(ctx context.Context, addr string, hdr Header, img io.Reader, progress func(done, total int64)) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	line, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send header: %w", err)
	}
	br := bufio.NewReader(conn)
	if err := expect(br, "OK"); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	var done int64
	for done < hdr.Size {
		n, rerr := img.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("after %d of %d bytes: %w", done, hdr.Size, err)
			}
			done += int64(n)
			if progress != nil {
				progress(done, hdr.Size)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read image: %w", rerr)
		}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > chunkTimeout {
		conn.SetReadDeadline(time.Now().Add(chunkTimeout))
	}
	return expect(br, "DONE")
}

func expect(br *bufio.Reader, want string) error {
	reply, err := br.ReadString('\n')
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", want, err)
	}
	reply = strings.TrimSpace(reply)
	if reply != want {
		return fmt.Errorf("receiver: %s", reply)
	}
	return nil
}
