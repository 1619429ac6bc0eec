package frame

import "time"

// App is one whitelist entry.
type App struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type whitelistApps struct {
	List   []App `json:"list"`
	Enable bool  `json:"enable"`
}

type whitelistConfig struct {
	CalendarEnable bool          `json:"calendar_enable"`
	CallEnable     bool          `json:"call_enable"`
	MsgEnable      bool          `json:"msg_enable"`
	IOSMailEnable  bool          `json:"ios_mail_enable"`
	App            whitelistApps `json:"app"`
}

// Notification is a phone-style card shown by the firmware.
type Notification struct {
	ID          int
	AppID       string
	Title       string
	Subtitle    string
	Message     string
	DisplayName string
	At          time.Time
}

type notificationWire struct {
	MsgID         int    `json:"msg_id"`
	Type          int    `json:"type"`
	AppIdentifier string `json:"app_identifier"`
	Title         string `json:"title"`
	Subtitle      string `json:"subtitle"`
	Message       string `json:"message"`
	TimeS         int64  `json:"time_s"`
	Date          string `json:"date"`
	DisplayName   string `json:"display_name"`
}

type notificationEnvelope struct {
	Notification notificationWire `json:"ncs_notification"`
	Type         string           `json:"type"`
}

func (n Notification) wire() notificationWire {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return notificationWire{
		MsgID:         n.ID,
		Type:          1,
		AppIdentifier: n.AppID,
		Title:         n.Title,
		Subtitle:      n.Subtitle,
		Message:       n.Message,
		TimeS:         at.Unix(),
		Date:          at.Format("2006-01-02 15:04:05"),
		DisplayName:   n.DisplayName,
	}
}
