package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// GuardStdout detaches os.Stdout from the real standard output so that stray
// prints from handler code cannot corrupt the frame stream. Anything written
// to the replacement is logged as rejected and discarded.
//
// The returned file is the real stdout and must only be given to Serve.
// restore puts os.Stdout back and waits for pending rejected output to drain.
func GuardStdout(log *zap.Logger) (stdout *os.File, restore func(), err error) {
	if log == nil {
		log = zap.NewNop()
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("server: guard stdout: %w", err)
	}

	stdout = os.Stdout
	os.Stdout = w

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer r.Close()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			log.Warn("stdout write rejected; use framed responses", zap.String("text", sc.Text()))
		}
		// Keep the pipe drained even after an oversized line stops the scanner
		_, _ = io.Copy(io.Discard, r)
	}()

	var once sync.Once
	restore = func() {
		once.Do(func() {
			os.Stdout = stdout
			w.Close()
			wg.Wait()
		})
	}
	return stdout, restore, nil
}
