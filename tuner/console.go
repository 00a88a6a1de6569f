package tuner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/shlex"
)

// Console is a line-oriented tuning shell. It behaves like any other
// external master: it reads the snapshot through the buffer's critical
// section and tunes thresholds through the config window, so it needs no
// access to foreground state.
type Console struct {
	buf *Buffer
	lay Layout
	in  io.Reader
	out io.Writer
}

func NewConsole(buf *Buffer, lay Layout, in io.Reader, out io.Writer) *Console {
	return &Console{buf: buf, lay: lay, in: in, out: out}
}

// Run reads commands until EOF or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		args, err := shlex.Split(sc.Text())
		if err != nil {
			fmt.Fprintln(c.out, "parse error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if err := c.dispatch(args); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
	return sc.Err()
}

func (c *Console) dispatch(args []string) error {
	switch args[0] {
	case "help":
		fmt.Fprintln(c.out, "commands: show | diag | set <widget> <on> <off> <noise> | help")
		return nil
	case "show":
		return c.show(false)
	case "diag":
		return c.show(true)
	case "set":
		return c.set(args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *Console) snapshot() (Snapshot, error) {
	raw := make([]byte, c.buf.Len())
	if _, err := c.buf.ReadAt(raw, 0); err != nil {
		return Snapshot{}, err
	}
	return Decode(raw)
}

func (c *Console) show(diag bool) error {
	s, err := c.snapshot()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "seq=%d scans=%d\n", s.Seq, s.Scans)
	for w := range s.Active {
		fmt.Fprintf(c.out, "widget %d: active=%v on=%d off=%d noise=%d\n",
			w, s.Active[w], s.Config[w].On, s.Config[w].Off, s.Config[w].Noise)
	}
	for i, sr := range s.Sensors {
		if diag {
			fmt.Fprintf(c.out, "sensor %d: cp=%dfF cpStatus=%d\n", i, sr.CpFemto, sr.CpStatus)
			continue
		}
		fmt.Fprintf(c.out, "sensor %d: raw=%d baseline=%d diff=%d status=%d\n",
			i, sr.Raw, sr.Baseline, sr.Diff, sr.Status)
	}
	return nil
}

func (c *Console) set(args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("usage: set <widget> <on> <off> <noise>")
	}
	vals := make([]uint64, 4)
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return fmt.Errorf("bad value %q: %w", a, err)
		}
		vals[i] = v
	}
	w := int(vals[0])
	if w < 0 || w >= c.lay.Widgets {
		return fmt.Errorf("widget %d out of range", w)
	}
	var p [6]byte
	le.PutUint16(p[0:], uint16(vals[1]))
	le.PutUint16(p[2:], uint16(vals[2]))
	le.PutUint16(p[4:], uint16(vals[3]))
	if _, err := c.buf.WriteAt(p[:], c.lay.WidgetConfigOff(w)); err != nil {
		return fmt.Errorf("write rejected: %w", err)
	}
	fmt.Fprintln(c.out, "ok (applies at next cycle)")
	return nil
}
