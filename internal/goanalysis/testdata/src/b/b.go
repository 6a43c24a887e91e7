package b

import "a"

func remote(path string) {
	c, err := a.Dial(path)
	if err != nil {
		return
	}
	c.Close()
}

func remoteLeak(path string) {
	c, err := a.Dial(path) // want `File allocated at line \d+ is not disposed`
	if err != nil {
		return
	}
	_ = c
}
