package transport

import "encoding/json"

// opcode is a voice gateway opcode (gateway version 4).
type opcode int

const (
	opIdentify           opcode = 0
	opSelectProtocol     opcode = 1
	opReady              opcode = 2
	opHeartbeat          opcode = 3
	opSessionDescription opcode = 4
	opSpeaking           opcode = 5
	opHeartbeatAck       opcode = 6
	opHello              opcode = 8
	opClientDisconnect   opcode = 13
)

var opcodeNames = map[opcode]string{
	opIdentify:           "IDENTIFY",
	opSelectProtocol:     "SELECT_PROTOCOL",
	opReady:              "READY",
	opHeartbeat:          "HEARTBEAT",
	opSessionDescription: "SESSION_DESCRIPTION",
	opSpeaking:           "SPEAKING",
	opHeartbeatAck:       "HEARTBEAT_ACK",
	opHello:              "HELLO",
	opClientDisconnect:   "CLIENT_DISCONNECT",
}

func (o opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// payload is the envelope of every voice gateway message.
type payload struct {
	Op opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolAddr `json:"data"`
}

type selectProtocolAddr struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// sessionDescriptionData carries the secret key as a JSON array of numbers,
// which decodes into a fixed-size byte array.
type sessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// speakingMicrophone is the speaking flag for normal voice audio.
const speakingMicrophone = 1
