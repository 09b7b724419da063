// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MachineType classifies the kind of machine behind the control daemon.
type MachineType uint8

const (
	MachineExcavator   MachineType = 1
	MachineWheelLoader MachineType = 2
	MachineDozer       MachineType = 3
	MachineGrader      MachineType = 4
	MachineHauler      MachineType = 5
	MachineForestry    MachineType = 6
)

func (t MachineType) String() string {
	switch t {
	case MachineExcavator:
		return "excavator"
	case MachineWheelLoader:
		return "wheel loader"
	case MachineDozer:
		return "dozer"
	case MachineGrader:
		return "grader"
	case MachineHauler:
		return "hauler"
	case MachineForestry:
		return "forestry"
	}
	return "unknown"
}

// Instance is the immutable machine identity delivered during the
// handshake. It is set once per connection and cached by the runtime
// for the process lifetime.
type Instance struct {
	ID           uuid.UUID   `json:"id"`
	Model        string      `json:"model"`
	MachineType  MachineType `json:"machine_type"`
	Version      [3]uint8    `json:"version"`
	SerialNumber string      `json:"serial_number"`
}

// VersionString renders the firmware version as "major.minor.patch".
func (i Instance) VersionString() string {
	const digits = "0123456789"
	render := func(v uint8) string {
		if v >= 100 {
			return string([]byte{digits[v/100], digits[v/10%10], digits[v%10]})
		}
		if v >= 10 {
			return string([]byte{digits[v/10], digits[v%10]})
		}
		return string([]byte{digits[v]})
	}
	return render(i.Version[0]) + "." + render(i.Version[1]) + "." + render(i.Version[2])
}

// MarshalBinary encodes the identity: 16-byte UUID, machine type,
// three version bytes, then length-prefixed model and serial number.
func (i Instance) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 20+4+len(i.Model)+len(i.SerialNumber))
	data = append(data, i.ID[:]...)
	data = append(data, byte(i.MachineType), i.Version[0], i.Version[1], i.Version[2])
	data = appendString(data, i.Model)
	data = appendString(data, i.SerialNumber)
	return data, nil
}

func (i *Instance) UnmarshalBinary(data []byte) error {
	if len(data) < 20 {
		return protocolErrorf("instance payload too short: %d bytes", len(data))
	}
	copy(i.ID[:], data[:16])
	i.MachineType = MachineType(data[16])
	i.Version = [3]uint8{data[17], data[18], data[19]}

	rest := data[20:]
	model, rest, err := consumeString(rest)
	if err != nil {
		return protocolErrorf("instance model: %v", err)
	}
	serial, rest, err := consumeString(rest)
	if err != nil {
		return protocolErrorf("instance serial number: %v", err)
	}
	if len(rest) != 0 {
		return protocolErrorf("instance payload has %d trailing bytes", len(rest))
	}
	i.Model = model
	i.SerialNumber = serial
	return nil
}

// EngineState is the engine governor state.
type EngineState uint8

const (
	EngineNoRequest EngineState = 0x00
	EngineStarting  EngineState = 0x01
	EngineStopping  EngineState = 0x02
	EngineRequest   EngineState = 0x10
)

// Engine is the engine telemetry and request payload.
type Engine struct {
	DriverDemand uint8       `json:"driver_demand"`
	ActualEngine uint8       `json:"actual_engine"`
	RPM          uint16      `json:"rpm"`
	State        EngineState `json:"state"`
}

// RequestRPM builds an engine request for the given target RPM.
func RequestRPM(rpm uint16) Engine {
	return Engine{RPM: rpm, State: EngineRequest}
}

// EngineShutdown builds the request that idles the engine.
func EngineShutdown() Engine {
	return Engine{State: EngineNoRequest}
}

// IsRunning reports whether the engine is requested and turning.
func (e Engine) IsRunning() bool {
	return e.State == EngineRequest && (e.ActualEngine > 0 || e.RPM > 0)
}

func (e Engine) MarshalBinary() ([]byte, error) {
	data := make([]byte, 5)
	data[0] = e.DriverDemand
	data[1] = e.ActualEngine
	binary.BigEndian.PutUint16(data[2:4], e.RPM)
	data[4] = byte(e.State)
	return data, nil
}

func (e *Engine) UnmarshalBinary(data []byte) error {
	if len(data) != 5 {
		return protocolErrorf("engine payload is %d bytes, want 5", len(data))
	}
	e.DriverDemand = data[0]
	e.ActualEngine = data[1]
	e.RPM = binary.BigEndian.Uint16(data[2:4])
	e.State = EngineState(data[4])
	return nil
}

// ControlType selects the machine subsystem a Control frame toggles.
type ControlType uint8

const (
	ControlHydraulicQuickDisconnect ControlType = 0x05
	ControlHydraulicLock            ControlType = 0x06
	ControlHydraulicBoost           ControlType = 0x07
	ControlHydraulicBoomConflux     ControlType = 0x08
	ControlHydraulicArmConflux      ControlType = 0x09
	ControlHydraulicBoomFloat       ControlType = 0x0A
	ControlMachineShutdown          ControlType = 0x1B
	ControlMachineIllumination      ControlType = 0x1C
	ControlMachineHorn              ControlType = 0x1E
	ControlMachineStrobeLight       ControlType = 0x1F
	ControlMachineTravelAlarm       ControlType = 0x20
	ControlMachineLights            ControlType = 0x2D
)

// Control toggles a single machine subsystem on or off.
type Control struct {
	Type  ControlType `json:"type"`
	Value bool        `json:"value"`
}

func (c Control) MarshalBinary() ([]byte, error) {
	value := byte(0)
	if c.Value {
		value = 1
	}
	return []byte{byte(c.Type), value}, nil
}

func (c *Control) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return protocolErrorf("control payload is %d bytes, want 2", len(data))
	}
	c.Type = ControlType(data[0])
	c.Value = data[1] != 0
	return nil
}

// ModuleStatus reports the health of one machine module.
type ModuleStatus struct {
	Name      string `json:"name"`
	State     uint8  `json:"state"`
	ErrorCode uint8  `json:"error_code"`
}

func (m ModuleStatus) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 4+len(m.Name))
	data = appendString(data, m.Name)
	data = append(data, m.State, m.ErrorCode)
	return data, nil
}

func (m *ModuleStatus) UnmarshalBinary(data []byte) error {
	name, rest, err := consumeString(data)
	if err != nil {
		return protocolErrorf("module status name: %v", err)
	}
	if len(rest) != 2 {
		return protocolErrorf("module status payload has %d bytes after name, want 2", len(rest))
	}
	m.Name = name
	m.State = rest[0]
	m.ErrorCode = rest[1]
	return nil
}

// MotionType selects the motion command variant.
type MotionType uint8

const (
	MotionStopAll       MotionType = 0x00
	MotionResumeAll     MotionType = 0x01
	MotionResetAll      MotionType = 0x02
	MotionStraightDrive MotionType = 0x05
	MotionChange        MotionType = 0x10
)

// MotionChangeSet is one actuator adjustment within a CHANGE command.
type MotionChangeSet struct {
	Actuator uint16 `json:"actuator"`
	Value    int16  `json:"value"`
}

// Motion is a machine motion command. The Type tag selects which of
// the optional fields is meaningful: Change for MotionChange,
// StraightDrive for MotionStraightDrive, neither for the *All variants.
type Motion struct {
	Type          MotionType        `json:"type"`
	StraightDrive int16             `json:"straight_drive,omitempty"`
	Change        []MotionChangeSet `json:"change,omitempty"`
}

// StopAll halts every actuator.
func StopAll() Motion { return Motion{Type: MotionStopAll} }

// ResumeAll lifts a previous stop.
func ResumeAll() Motion { return Motion{Type: MotionResumeAll} }

// ResetAll returns all actuators to their neutral position.
func ResetAll() Motion { return Motion{Type: MotionResetAll} }

// StraightDrive commands both tracks at the given signed speed.
func StraightDrive(value int16) Motion {
	return Motion{Type: MotionStraightDrive, StraightDrive: value}
}

// Change commands individual actuator adjustments.
func Change(changes ...MotionChangeSet) Motion {
	return Motion{Type: MotionChange, Change: changes}
}

func (m Motion) MarshalBinary() ([]byte, error) {
	switch m.Type {
	case MotionChange:
		if len(m.Change) > 0xFF {
			return nil, protocolErrorf("motion change set has %d entries, maximum 255", len(m.Change))
		}
		data := make([]byte, 2, 2+4*len(m.Change))
		data[0] = byte(m.Type)
		data[1] = byte(len(m.Change))
		for _, change := range m.Change {
			data = binary.BigEndian.AppendUint16(data, change.Actuator)
			data = binary.BigEndian.AppendUint16(data, uint16(change.Value))
		}
		return data, nil
	case MotionStraightDrive:
		data := make([]byte, 3)
		data[0] = byte(m.Type)
		binary.BigEndian.PutUint16(data[1:3], uint16(m.StraightDrive))
		return data, nil
	default:
		return []byte{byte(m.Type)}, nil
	}
}

func (m *Motion) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return protocolErrorf("motion payload is empty")
	}
	*m = Motion{Type: MotionType(data[0])}
	rest := data[1:]

	switch m.Type {
	case MotionChange:
		if len(rest) < 1 {
			return protocolErrorf("motion change payload missing count")
		}
		count := int(rest[0])
		rest = rest[1:]
		if len(rest) != 4*count {
			return protocolErrorf("motion change payload is %d bytes for %d entries", len(rest), count)
		}
		m.Change = make([]MotionChangeSet, count)
		for index := range m.Change {
			m.Change[index] = MotionChangeSet{
				Actuator: binary.BigEndian.Uint16(rest[4*index : 4*index+2]),
				Value:    int16(binary.BigEndian.Uint16(rest[4*index+2 : 4*index+4])),
			}
		}
	case MotionStraightDrive:
		if len(rest) != 2 {
			return protocolErrorf("straight drive payload is %d bytes, want 2", len(rest))
		}
		m.StraightDrive = int16(binary.BigEndian.Uint16(rest))
	default:
		if len(rest) != 0 {
			return protocolErrorf("motion payload has %d trailing bytes", len(rest))
		}
	}
	return nil
}

// sessionFlags is the fixed flag byte announced in the handshake frame.
const sessionFlags = 3

// SessionHello is the payload of the SESSION frame that opens the
// handshake. The server replies with an INSTANCE frame.
type SessionHello struct {
	UserAgent string `json:"user_agent"`
}

func (s SessionHello) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(s.UserAgent))
	data = append(data, sessionFlags)
	data = append(data, s.UserAgent...)
	return data, nil
}

func (s *SessionHello) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return protocolErrorf("session payload is empty")
	}
	s.UserAgent = string(data[1:])
	return nil
}

// appendString appends a u16 big-endian length prefix and the string
// bytes. Strings longer than the prefix can express are truncated by
// the encoder contract; payload construction never produces them.
func appendString(data []byte, s string) []byte {
	data = binary.BigEndian.AppendUint16(data, uint16(len(s)))
	return append(data, s...)
}

// consumeString reads a u16-length-prefixed UTF-8 string and returns
// it together with the remaining bytes.
func consumeString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, protocolErrorf("missing length prefix")
	}
	length := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+length {
		return "", nil, protocolErrorf("declared length %d exceeds %d available bytes", length, len(data)-2)
	}
	value := data[2 : 2+length]
	if !utf8.Valid(value) {
		return "", nil, protocolErrorf("string is not valid UTF-8")
	}
	return string(value), data[2+length:], nil
}
