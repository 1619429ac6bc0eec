package frame

// Command ids understood by the arm firmware.
const (
	CmdBrightness    byte = 0x01
	CmdSilentMode    byte = 0x03
	CmdWhitelist     byte = 0x04
	CmdHeadUpAngle   byte = 0x0B
	CmdMicrophone    byte = 0x0E
	CmdBitmapData    byte = 0x15
	CmdBitmapCRC     byte = 0x16
	CmdClear         byte = 0x18
	CmdBitmapEnd     byte = 0x20
	CmdRestart       byte = 0x23
	CmdHeartbeat     byte = 0x25
	CmdWearDetection byte = 0x27
	CmdBattery       byte = 0x2C
	CmdNotification  byte = 0x4B
	CmdInit          byte = 0x4D
	CmdText          byte = 0x4E
	CmdFirmwareInfo  byte = 0x6E
	CmdAudio         byte = 0xF1
	CmdDeviceEvent   byte = 0xF5
)

// Response and status bytes carried in notifications.
const (
	StatusSuccess     byte = 0xC9
	StatusFailure     byte = 0xCA
	BatteryReport     byte = 0x66
	EventHeadUp       byte = 0x02
	EventHeadDown     byte = 0x03
	TextScreenNewShow byte = 0x71
)

// Transport chunk budgets per family.
const (
	TextChunkSize   = 176
	JSONChunkSize   = 176
	BitmapChunkSize = 194
	AudioFrameLen   = 200
	MaxHeadUpAngle  = 60
)
