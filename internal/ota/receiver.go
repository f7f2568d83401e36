package ota

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPort = 3232

	headerTimeout = 10 * time.Second
	chunkTimeout  = 30 * time.Second
	chunkSize     = 32 * 1024
	maxHeaderLen  = 4096
)

// Header is the first line a client sends, JSON encoded.
type Header struct {
	Token string `json:"token"`
	Size  int64  `json:"size"`
	MD5   string `json:"md5"`
}

// Sink receives session events. Deliver returns once the event has been
// applied to the session.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Receiver accepts firmware uploads over TCP.
//
// Wire format: the client sends a Header line, the receiver answers "OK" or
// "ERR <reason>", the client streams Size bytes, and the receiver answers
// "DONE" once the image is applied. The session resets the device right
// after, so "DONE" is the last thing the client sees.
type Receiver struct {
	addr    string
	secret  []byte
	flasher Flasher
	sink    Sink

	mu   sync.Mutex
	ln   net.Listener
	busy atomic.Bool
	wg   sync.WaitGroup
}

func NewReceiver(addr string, secret []byte, flasher Flasher, sink Sink) *Receiver {
	return &Receiver{addr: addr, secret: secret, flasher: flasher, sink: sink}
}

// Start listens and serves in the background. Calling Start on a running
// receiver is a no-op.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.addr, err)
	}
	r.ln = ln
	r.wg.Add(1)
	go r.serve(ln)
	log.Printf("Update receiver listening on %s", ln.Addr())
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Close stops accepting connections. A transfer already running continues.
func (r *Receiver) Close() error {
	r.mu.Lock()
	ln := r.ln
	r.ln = nil
	r.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	r.wg.Wait()
	return err
}

func (r *Receiver) serve(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Update receiver accept: %v", err)
			continue
		}
		if !r.busy.CompareAndSwap(false, true) {
			fmt.Fprintln(conn, "ERR busy")
			conn.Close()
			continue
		}
		go func() {
			defer r.busy.Store(false)
			defer conn.Close()
			r.handle(context.Background(), conn)
		}()
	}
}

func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr()
	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	br := bufio.NewReaderSize(conn, chunkSize)

	line, err := readLine(br)
	if err != nil {
		log.Printf("Update from %s: bad header: %v", peer, err)
		fmt.Fprintln(conn, "ERR header")
		return
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		log.Printf("Update from %s: bad header: %v", peer, err)
		fmt.Fprintln(conn, "ERR header")
		return
	}

	if err := VerifyToken(r.secret, hdr.Token, hdr.MD5); err != nil {
		log.Printf("Update from %s: %v", peer, err)
		r.sink.Deliver(ctx, Error(AuthRejected, err))
		fmt.Fprintln(conn, "ERR auth")
		return
	}

	if err := r.sink.Deliver(ctx, Begin()); err != nil {
		var qe *QuiesceError
		if !errors.As(err, &qe) {
			log.Printf("Update from %s refused: %v", peer, err)
			fmt.Fprintf(conn, "ERR %v\n", err)
			return
		}
		log.Printf("Update from %s: continuing after %v", peer, err)
	}

	img, err := r.flasher.Begin(hdr.Size, hdr.MD5)
	if err != nil {
		r.sink.Deliver(ctx, Error(TransferBeginFailed, err))
		fmt.Fprintln(conn, "ERR begin")
		return
	}
	fmt.Fprintln(conn, "OK")

	if err := r.receive(ctx, conn, br, img, hdr.Size); err != nil {
		img.Abort()
		r.sink.Deliver(ctx, Error(TransferInterrupted, err))
		return
	}

	if err := img.Commit(); err != nil {
		r.sink.Deliver(ctx, Error(ApplyFailed, err))
		fmt.Fprintln(conn, "ERR apply")
		return
	}
	fmt.Fprintln(conn, "DONE")
	if err := r.sink.Deliver(ctx, End()); err != nil {
		log.Printf("Update completion: %v", err)
	}
}

func (r *Receiver) receive(ctx context.Context, conn net.Conn, src io.Reader, dst io.Writer, size int64) error {
	buf := make([]byte, chunkSize)
	var done int64
	for done < size {
		conn.SetReadDeadline(time.Now().Add(chunkTimeout))
		want := min(int64(len(buf)), size-done)
		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			r.sink.Deliver(ctx, Progress(uint64(done), uint64(size)))
		}
		if err != nil {
			return fmt.Errorf("after %d of %d bytes: %w", done, size, err)
		}
	}
	return nil
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxHeaderLen {
			return nil, errors.New("header too long")
		}
		if !isPrefix {
			return line, nil
		}
	}
}
