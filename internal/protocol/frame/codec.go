package frame

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FirstNotificationID is the msg_id given to the first notification that
// arrives without one.
const FirstNotificationID = 10

// Codec builds frames for every command family. It owns the text and
// heartbeat sequence counters and the notification msg_id; stateless
// families are package functions.
type Codec struct {
	mu        sync.Mutex
	textSeq   uint8
	beatSeq   uint8
	nextMsgID int
	limits    Limits
}

func NewCodec(limits Limits) *Codec {
	return &Codec{limits: limits, nextMsgID: FirstNotificationID}
}

// Heartbeat encodes 25 06 seq 00 04 seq and advances the heartbeat sequence.
func (c *Codec) Heartbeat() Frame {
	c.mu.Lock()
	seq := c.beatSeq
	c.beatSeq++
	c.mu.Unlock()
	return Command(CmdHeartbeat, 0x06, seq, 0x00, 0x04, seq)
}

// Text frames one page of already laid-out text. All chunks share one
// sequence number; the counter wraps mod 256.
func (c *Codec) Text(text []byte, page, pages uint8) ([]Frame, error) {
	if pages == 0 || page >= pages {
		return nil, fmt.Errorf("frame: invalid text page %d/%d", page, pages)
	}
	c.mu.Lock()
	seq := c.textSeq
	c.mu.Unlock()

	frames, err := Chunk(ChunkSpec{
		Layout:   LayoutSequenced,
		Command:  CmdText,
		Sequence: seq,
		Fields: func(int, int) []byte {
			return []byte{TextScreenNewShow, 0x00, 0x00, page, pages}
		},
	}, text, TextChunkSize)
	if err != nil {
		return nil, err
	}
	if err := c.check(frames); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.textSeq = seq + 1
	c.mu.Unlock()
	return frames, nil
}

// Notification frames a phone-style notification card. A zero ID takes the
// next msg_id from the codec.
func (c *Codec) Notification(n Notification) ([]Frame, error) {
	if n.ID == 0 {
		c.mu.Lock()
		n.ID = c.nextMsgID
		c.nextMsgID++
		c.mu.Unlock()
	}
	body, err := json.Marshal(notificationEnvelope{Notification: n.wire(), Type: "Add"})
	if err != nil {
		return nil, fmt.Errorf("frame: encode notification: %w", err)
	}
	frames, err := Chunk(ChunkSpec{Layout: LayoutSequenced, Command: CmdNotification}, body, JSONChunkSize)
	if err != nil {
		return nil, err
	}
	return frames, c.check(frames)
}

// Whitelist frames the app list allowed to raise notifications.
func (c *Codec) Whitelist(apps []App) ([]Frame, error) {
	list := apps
	if list == nil {
		list = []App{}
	}
	body, err := json.Marshal(whitelistConfig{
		App: whitelistApps{List: list, Enable: true},
	})
	if err != nil {
		return nil, fmt.Errorf("frame: encode whitelist: %w", err)
	}
	frames, err := Chunk(ChunkSpec{Layout: LayoutChunked, Command: CmdWhitelist}, body, JSONChunkSize)
	if err != nil {
		return nil, err
	}
	return frames, c.check(frames)
}

// Bitmap frames a monochrome image: data chunks (the first carrying the
// storage address), the end marker, then the CRC footer.
func (c *Codec) Bitmap(bmp []byte) ([]Frame, error) {
	if len(bmp) == 0 {
		return nil, fmt.Errorf("frame: empty bitmap")
	}
	frames, err := Chunk(ChunkSpec{
		Layout:  LayoutIndexed,
		Command: CmdBitmapData,
		Fields: func(i, _ int) []byte {
			if i == 0 {
				return BitmapAddress[:]
			}
			return nil
		},
	}, bmp, BitmapChunkSize)
	if err != nil {
		return nil, err
	}
	frames = append(frames, BitmapEnd(), bitmapCRCFrame(bmp))
	return frames, c.check(frames)
}

func (c *Codec) check(frames []Frame) error {
	for _, f := range frames {
		if err := c.limits.Check(f); err != nil {
			return err
		}
	}
	return nil
}

func BatteryQuery() Frame {
	return Command(CmdBattery, 0x01)
}

// Brightness maps a 0..100 percentage onto the firmware's 0..63 scale.
func Brightness(percent int, auto bool) Frame {
	percent = clamp(percent, 0, 100)
	return Command(CmdBrightness, byte(percent*63/100), boolByte(auto))
}

func HeadUpAngle(degrees int) Frame {
	return Command(CmdHeadUpAngle, byte(clamp(degrees, 0, MaxHeadUpAngle)), 0x01)
}

func Microphone(enabled bool) Frame {
	return Command(CmdMicrophone, boolByte(enabled))
}

func FirmwareInfo() Frame {
	return Command(CmdFirmwareInfo, 0x74)
}

func InitSession() Frame {
	return Command(CmdInit, 0xFB)
}

func WearDetection(enabled bool) Frame {
	return Command(CmdWearDetection, boolByte(enabled))
}

func SilentMode(enabled bool) Frame {
	if enabled {
		return Command(CmdSilentMode, 0x0C)
	}
	return Command(CmdSilentMode, 0x0A)
}

func BitmapEnd() Frame {
	return Command(CmdBitmapEnd, 0x0D, 0x0E)
}

// Clear leaves bitmap mode and blanks the display.
func Clear() Frame {
	return Command(CmdClear)
}

func Restart() Frame {
	return Command(CmdRestart, 0x72)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolByte(v bool) byte {
	if v {
		return 0x01
	}
	return 0x00
}
