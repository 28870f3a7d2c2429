package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"lukechampine.com/blake3"

	"github.com/gosuda/sendme/session"
)

var errQuit = errors.New("quit")

// parseLine turns one line of terminal input into a message. Empty lines yield a
// nil message.
func parseLine(line string) (session.Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		return session.Text{Content: line}, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return nil, errQuit
	case "/offer":
		if rest == "" {
			return nil, errors.New("usage: /offer <path>")
		}
		return offerFile(rest)
	case "/accept":
		if rest == "" {
			return nil, errors.New("usage: /accept <hash>")
		}
		return session.FileAccept{Hash: rest}, nil
	case "/signal":
		signalType, data, _ := strings.Cut(rest, " ")
		if signalType == "" {
			return nil, errors.New("usage: /signal <type> [data]")
		}
		return session.CallSignal{SignalType: signalType, Data: strings.TrimSpace(data)}, nil
	case "/say":
		return session.Text{Content: rest}, nil
	}
	return nil, fmt.Errorf("unknown command %s", cmd)
}

// hashFile returns the hex blake3 digest and size of the file at path.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func offerFile(path string) (session.Message, error) {
	hash, size, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	return session.FileOffer{Name: filepath.Base(path), Size: uint64(size), Hash: hash}, nil
}

func describe(msg session.Message) string {
	switch m := msg.(type) {
	case session.Text:
		return "< " + m.Content
	case session.FileOffer:
		return fmt.Sprintf("< offers %s (%d bytes) hash=%s", m.Name, m.Size, m.Hash)
	case session.FileAccept:
		return "< accepts " + m.Hash
	case session.CallSignal:
		return fmt.Sprintf("< signal %s %s", m.SignalType, m.Data)
	}
	return fmt.Sprintf("< %v", msg)
}

// chatLoop sends each input line until ctx ends, input closes or /quit.
func chatLoop(ctx context.Context, in io.Reader, n *node) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), session.MaxMessageSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := parseLine(line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(n.out, "!", err)
				continue
			}
			if msg == nil {
				continue
			}
			if err := n.send(ctx, msg); err != nil {
				log.Warn().Err(err).Msg("[Chat] Send failed")
			}
		}
	}
}
