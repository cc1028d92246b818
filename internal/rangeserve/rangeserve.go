// Package rangeserve serves stored artifacts with HTTP byte-range support.
package rangeserve

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/pkg/response"
)

const chunkSize = 64 * 1024

var ErrUnsatisfiable = errors.New("range not satisfiable")

// ByteRange is an inclusive byte span of a file
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange interprets a Range header against a file of size bytes. Only
// the first range of a multi-range header is honored. ok is false when the
// header is absent or malformed and the whole file should be served.
func ParseRange(header string, size int64) (r ByteRange, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return ByteRange{}, false, nil
	}
	rng := strings.TrimPrefix(header, "bytes=")
	if i := strings.IndexByte(rng, ','); i >= 0 {
		rng = rng[:i]
	}
	rng = strings.TrimSpace(rng)

	dash := strings.IndexByte(rng, '-')
	if dash < 0 {
		return ByteRange{}, false, nil
	}
	startStr, endStr := strings.TrimSpace(rng[:dash]), strings.TrimSpace(rng[dash+1:])

	// Suffix form: the last n bytes
	if startStr == "" {
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n < 0 {
			return ByteRange{}, false, nil
		}
		if n == 0 || size == 0 {
			return ByteRange{}, false, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return ByteRange{}, false, nil
	}
	end := size - 1
	if endStr != "" {
		end, perr = strconv.ParseInt(endStr, 10, 64)
		if perr != nil || end < start {
			return ByteRange{}, false, nil
		}
	}
	if start >= size {
		return ByteRange{}, false, ErrUnsatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return ByteRange{Start: start, End: end}, true, nil
}

type sectionBody struct {
	io.Reader
	io.Closer
}

// Serve writes the file at path honoring the request's Range header. HEAD
// requests get the same headers without a body.
func Serve(c *fiber.Ctx, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := info.Size()

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, contentType)

	r, partial, err := ParseRange(c.Get(fiber.HeaderRange), size)
	if errors.Is(err, ErrUnsatisfiable) {
		f.Close()
		return response.RangeNotSatisfiable(c, size)
	}

	status := fiber.StatusOK
	if partial {
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	} else {
		r = ByteRange{Start: 0, End: size - 1}
	}
	c.Status(status)

	if c.Method() == fiber.MethodHead {
		f.Close()
		c.Response().Header.SetContentLength(int(r.Length()))
		c.Response().SkipBody = true
		return nil
	}

	section := io.NewSectionReader(f, r.Start, r.Length())
	c.Context().SetBodyStream(sectionBody{
		Reader: bufio.NewReaderSize(section, chunkSize),
		Closer: f,
	}, int(r.Length()))
	return nil
}
