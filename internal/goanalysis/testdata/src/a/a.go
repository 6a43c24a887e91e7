package a

import (
	"io"
	"net/http"
	"os"
)

func leak(path string) {
	f, err := os.Open(path) // want `File allocated at line \d+ is not disposed on normal return path`
	if err != nil {
		return
	}
	_ = f.Name()
}

func discard(path string) {
	os.Open(path) // want `File allocated at line \d+ is not disposed`
}

func closedWithDefer(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_ = f.Name()
	return nil
}

func closedOnEveryBranch(path string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	if ok {
		f.Close()
		return
	}
	f.Close()
}

func closedOnOneBranch(path string, ok bool) {
	f, err := os.Open(path) // want `File allocated at line \d+ may not be disposed on normal return path`
	if err != nil {
		return
	}
	if ok {
		f.Close()
	}
}

func open(path string) (*os.File, error) { // want open:`summary\(\[allocates\]\)`
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func useOpen(path string) {
	f, err := open(path)
	if err != nil {
		return
	}
	f.Close()
}

func leakOpen(path string) {
	f, err := open(path) // want `File allocated at line \d+ is not disposed`
	if err != nil {
		return
	}
	_ = f.Name()
}

func closeIt(c io.Closer) { // want closeIt:`summary\(\[disposes\]\)`
	c.Close()
}

func closedByHelper(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	closeIt(f)
}

func handoff(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	go func() {
		defer f.Close()
		_ = f.Name()
	}()
}

func sent(path string, out chan<- *os.File) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	out <- f
}

func reopen(path string) {
	f, _ := os.Open(path)
	f, _ = os.Open(path) // want `File allocated at line \d+ is overwritten at line \d+ without being disposed`
	f.Close()
}

func fetch(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_ = resp.StatusCode
	return nil
}

func fetchLeak(url string) {
	resp, err := http.Get(url) // want `ReadCloser allocated at line \d+ is not disposed on normal return path`
	if err != nil {
		return
	}
	_ = resp.StatusCode
}

func fatal(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	if f.Name() == "" {
		panic("empty name")
	}
	f.Close()
}
