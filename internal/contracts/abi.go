package contracts

// ERC20ABI covers the allowance surface of the USDC token contract.
const ERC20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// TokenMessengerABI is the source-chain CCTP burn entry point.
const TokenMessengerABI = `[
  {"type":"function","name":"depositForBurn","stateMutability":"nonpayable","inputs":[
    {"name":"amount","type":"uint256"},
    {"name":"destinationDomain","type":"uint32"},
    {"name":"mintRecipient","type":"bytes32"},
    {"name":"burnToken","type":"address"},
    {"name":"destinationCaller","type":"bytes32"},
    {"name":"maxFee","type":"uint256"},
    {"name":"minFinalityThreshold","type":"uint32"}
  ],"outputs":[]}
]`

// MessageTransmitterABI is the destination-chain CCTP mint entry point.
const MessageTransmitterABI = `[
  {"type":"function","name":"receiveMessage","stateMutability":"nonpayable","inputs":[
    {"name":"message","type":"bytes"},
    {"name":"attestation","type":"bytes"}
  ],"outputs":[]}
]`

// MedicalPassportABI is the patient medical-record token contract.
const MedicalPassportABI = `[
  {"type":"function","name":"mintMedicalPassport","stateMutability":"nonpayable","inputs":[
    {"name":"recipient","type":"address"},
    {"name":"fullName","type":"string"},
    {"name":"dateOfBirth","type":"string"},
    {"name":"bloodType","type":"string"},
    {"name":"allergies","type":"string"},
    {"name":"conditions","type":"string"},
    {"name":"medications","type":"string"}
  ],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"nextTokenId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}
  ],"anonymous":false}
]`

// PrescriptionABI is the read-only prescription token contract.
const PrescriptionABI = `[
  {"type":"function","name":"prescriptions","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
    {"name":"medication","type":"string"},
    {"name":"dosage","type":"string"},
    {"name":"instructions","type":"string"}
  ]},
  {"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`
