package domain

// ComputeDerived recomputes every derived value of the snapshot from its base fields.
// Ratios are percentages. A zero denominator leaves Efficiency and Capacity nil and
// sets Usage and PowerAvailable to 0.
func (s *Snapshot) ComputeDerived() {
	s.AlternatorLoss = s.PowerDC - s.PowerAC

	s.Efficiency = nil
	if s.PowerDC != 0 {
		s.Efficiency = Float(s.PowerAC / s.PowerDC * 100)
	}

	s.Usage = 0
	s.PowerAvailable = 0
	if s.PowerAC != 0 {
		s.Usage = s.ConsumptionAC / s.PowerAC * 100
		s.PowerAvailable = s.PowerAC - s.ConsumptionAC
	}

	s.Capacity = nil
	if s.TotalPower != 0 {
		s.Capacity = Float(s.PowerDC / s.TotalPower * 100)
	}
}
