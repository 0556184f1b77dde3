package scte35

// SpliceNull is the no-op splice command used as a heartbeat and as the
// fallback for splice_info_sections carrying a command type this package
// doesn't decode.
type SpliceNull struct{}

func (cmd *SpliceNull) Type() uint32 { return SpliceNullType }

func (cmd *SpliceNull) decode(_ []byte) error { return nil }

func (cmd *SpliceNull) encode() ([]byte, error) { return nil, nil }

func (cmd *SpliceNull) commandLength() int { return 0 }

// SpliceInsert signals an upcoming or immediate splice point: the start
// or end of an ad break. Only program-level splicing (program_splice_flag
// set) is decoded; component-level splice point lists are not used by
// this project's ad-marker feature and are skipped rather than decoded.
type SpliceInsert struct {
	SpliceEventID          uint32
	OutOfNetworkIndicator  bool
	SpliceImmediateFlag    bool
	SpliceTime             SpliceTime
	BreakDuration          *BreakDuration
	UniqueProgramID        uint32
	AvailNum               uint32
	AvailsExpected         uint32
}

func (cmd *SpliceInsert) Type() uint32 { return SpliceInsertType }

func (cmd *SpliceInsert) decode(data []byte) error {
	r := newBitReader(data)
	cmd.SpliceEventID = r.readUint32(32)
	cancel := r.readBit()
	r.skip(7) // reserved

	if cancel {
		return nil
	}

	cmd.OutOfNetworkIndicator = r.readBit()
	programSpliceFlag := r.readBit()
	durationFlag := r.readBit()
	cmd.SpliceImmediateFlag = r.readBit()
	r.skip(4) // reserved

	if programSpliceFlag && !cmd.SpliceImmediateFlag {
		if r.readBit() { // time_specified_flag
			r.skip(6)
			pts := r.readUint64(33)
			cmd.SpliceTime.PTSTime = &pts
		} else {
			r.skip(7)
		}
	} else if !programSpliceFlag {
		componentCount := int(r.readUint32(8))
		for i := 0; i < componentCount; i++ {
			r.skip(8) // component_tag
			if !cmd.SpliceImmediateFlag {
				if r.readBit() {
					r.skip(6)
					r.skip(33)
				} else {
					r.skip(7)
				}
			}
		}
	}

	if durationFlag {
		bd := &BreakDuration{}
		bd.AutoReturn = r.readBit()
		r.skip(6) // reserved
		bd.Duration = r.readUint64(33)
		cmd.BreakDuration = bd
	}

	cmd.UniqueProgramID = r.readUint32(16)
	cmd.AvailNum = r.readUint32(8)
	cmd.AvailsExpected = r.readUint32(8)
	return nil
}

func (cmd *SpliceInsert) encode() ([]byte, error) {
	w := newBitWriter(cmd.commandLength())

	w.putUint32(32, cmd.SpliceEventID)
	w.putBit(false) // splice_event_cancel_indicator
	w.putUint32(7, 0x7F)

	w.putBit(cmd.OutOfNetworkIndicator)
	w.putBit(true) // program_splice_flag: only program-level splicing is encoded
	w.putBit(cmd.BreakDuration != nil)
	w.putBit(cmd.SpliceImmediateFlag)
	w.putUint32(4, 0xF)

	if !cmd.SpliceImmediateFlag {
		if cmd.SpliceTime.PTSTime != nil {
			w.putBit(true)
			w.putUint32(6, 0x3F)
			w.putUint64(33, *cmd.SpliceTime.PTSTime)
		} else {
			w.putBit(false)
			w.putUint32(7, 0x7F)
		}
	}

	if cmd.BreakDuration != nil {
		w.putBit(cmd.BreakDuration.AutoReturn)
		w.putUint32(6, 0x3F)
		w.putUint64(33, cmd.BreakDuration.Duration)
	}

	w.putUint32(16, cmd.UniqueProgramID)
	w.putUint32(8, cmd.AvailNum)
	w.putUint32(8, cmd.AvailsExpected)

	return w.bytes(), nil
}

func (cmd *SpliceInsert) commandLength() int {
	bits := 32 // splice_event_id
	bits += 1  // cancel_indicator
	bits += 7  // reserved

	bits += 1 // out_of_network_indicator
	bits += 1 // program_splice_flag
	bits += 1 // duration_flag
	bits += 1 // splice_immediate_flag
	bits += 4 // reserved

	if !cmd.SpliceImmediateFlag {
		bits += 1 // time_specified_flag
		if cmd.SpliceTime.PTSTime != nil {
			bits += 6 + 33
		} else {
			bits += 7
		}
	}

	if cmd.BreakDuration != nil {
		bits += 1  // auto_return
		bits += 6  // reserved
		bits += 33 // duration
	}

	bits += 16 // unique_program_id
	bits += 8  // avail_num
	bits += 8  // avails_expected

	return bits / 8
}
