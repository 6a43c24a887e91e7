package a

import "os"

type Conn struct {
	f *os.File
}

func (c *Conn) Close() error { // want Close:`summary\(\[disposes\]\)`
	return c.f.Close()
}

func Dial(path string) (*Conn, error) { // want Dial:`summary\(\[allocates\]\)`
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Conn{f: f}, nil
}

func useConn(path string) {
	c, err := Dial(path)
	if err != nil {
		return
	}
	defer c.Close()
}

func leakConn(path string) {
	c, err := Dial(path) // want `File allocated at line \d+ is not disposed`
	if err != nil {
		return
	}
	_ = c
}
